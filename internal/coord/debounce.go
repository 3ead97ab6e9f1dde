package coord

import (
	"sync"
	"time"
)

// Debouncer is a purely local, non-blocking gate. Allow admits the first
// caller for a key and rejects the rest until the window passes.
type Debouncer struct {
	mu    sync.Mutex
	now   func() time.Time
	until map[string]time.Time
}

// NewDebouncer returns an empty Debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{now: time.Now, until: make(map[string]time.Time)}
}

// Allow reports whether the caller may proceed for key.
func (d *Debouncer) Allow(key string, window time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.until[key]; ok && now.Before(exp) {
		return false
	}
	d.until[key] = now.Add(window)
	for k, exp := range d.until {
		if !now.Before(exp) {
			delete(d.until, k)
		}
	}
	return true
}
