package portal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviceLocks_SerializePerMAC(t *testing.T) {
	var d deviceLocks

	unlock := d.lock(devMAC)
	acquired := make(chan struct{})
	go func() {
		u := d.lock(devMAC)
		close(acquired)
		u()
	}()

	// other devices are not blocked
	d.lock("11:22:33:44:55:66")()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.lock(devMAC)()
		}()
	}
	wg.Wait()
	assert.Empty(t, d.locks)
}
