package realtime

import (
	"sync"
	"time"
)

const DefaultErrorWindow = 10 * time.Second

// ErrorDebouncer suppresses repeats of the same error class inside a window. Each SSE
// session owns one, so one noisy job cannot silence another session.
type ErrorDebouncer struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]time.Time
}

func NewErrorDebouncer(window time.Duration, now func() time.Time) *ErrorDebouncer {
	if window <= 0 {
		window = DefaultErrorWindow
	}
	if now == nil {
		now = time.Now
	}
	return &ErrorDebouncer{window: window, now: now, last: map[string]time.Time{}}
}

// Allow reports whether an error of class should be surfaced now, and records it if so.
func (d *ErrorDebouncer) Allow(class string) bool {
	if d == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.now()
	if prev, ok := d.last[class]; ok && t.Sub(prev) < d.window {
		return false
	}
	d.last[class] = t
	// forget expired classes so a long session does not grow without bound
	for k, v := range d.last {
		if t.Sub(v) >= d.window {
			delete(d.last, k)
		}
	}
	return true
}

func (d *ErrorDebouncer) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = map[string]time.Time{}
}
