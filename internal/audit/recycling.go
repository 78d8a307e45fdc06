package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Donation is one line of the recycling log.
type Donation struct {
	Timestamp      time.Time `json:"timestamp"`
	DeviceMAC      string    `json:"device_mac"`
	DeviceIP       string    `json:"device_ip"`
	MinutesGranted int       `json:"minutes_granted"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

type History struct {
	TotalBottles int        `json:"total_bottles"`
	TotalMinutes int        `json:"total_minutes"`
	Recent       []Donation `json:"recent"`
}

// RecyclingLog is the append-only donation history, one JSON object per line.
type RecyclingLog struct {
	mu   sync.Mutex
	path string
}

func NewRecyclingLog(path string) (*RecyclingLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return nil, fmt.Errorf("create recycling log dir: %w", err)
	}
	return &RecyclingLog{path: path}, nil
}

func (r *RecyclingLog) Append(d Donation) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o664)
	if err != nil {
		return fmt.Errorf("open recycling log: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append recycling log: %w", err)
	}
	return f.Close()
}

// Tail returns totals over the whole log and the last limit entries, newest
// first. Lines that do not parse are skipped.
func (r *RecyclingLog) Tail(limit int) (History, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := History{Recent: []Donation{}}
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("open recycling log: %w", err)
	}
	defer f.Close()

	var all []Donation
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d Donation
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		h.TotalBottles++
		h.TotalMinutes += d.MinutesGranted
		all = append(all, d)
	}
	if err := sc.Err(); err != nil {
		return h, fmt.Errorf("read recycling log: %w", err)
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		h.Recent = append(h.Recent, all[i])
	}
	return h, nil
}
