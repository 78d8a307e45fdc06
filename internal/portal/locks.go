package portal

import "sync"

// deviceLocks serializes firewall changes per device MAC. The firewall keys
// rules by MAC only, so a grant and a close for the same device must not
// interleave.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	sync.Mutex
	refs int
}

// lock blocks until mac is free and returns the matching unlock.
func (d *deviceLocks) lock(mac string) func() {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]*deviceLock)
	}
	l, ok := d.locks[mac]
	if !ok {
		l = &deviceLock{}
		d.locks[mac] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, mac)
		}
		d.mu.Unlock()
	}
}
