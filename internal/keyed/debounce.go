// Package keyed provides small per-key concurrency primitives: a trailing-edge
// debouncer and an advisory try-lock guard. Both are used by the stop-out
// engine but carry no risk-specific logic.
package keyed

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers per key into a single callback fired
// after the burst settles. Triggering an armed key restarts its delay.
type Debouncer struct {
	mu     sync.Mutex
	delay  time.Duration
	timers map[string]*time.Timer
	closed bool
}

func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &Debouncer{delay: delay, timers: make(map[string]*time.Timer)}
}

// Trigger schedules fn to run after the debounce delay. A pending timer for
// the same key is replaced, so only the last fn of a burst runs.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			fn()
		}
	})
}

// Close cancels all pending timers; later triggers are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// Pending reports how many keys currently have an armed timer.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
