// Package highlight coalesces rapid hover events into highlight updates.
package highlight

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDelay is how long a scheduled highlight waits before it is emitted.
const DefaultDelay = 100 * time.Millisecond

type Kind string

const (
	KindLocation Kind = "location"
	KindFlow     Kind = "flow"
)

// Highlight marks either one location or one flow. A nil *Highlight clears
// the highlight.
type Highlight struct {
	Kind       Kind   `json:"type"`
	LocationID string `json:"locationId,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Dest       string `json:"dest,omitempty"`
}

// Debouncer emits at most one highlight per delay. A new event cancels the
// pending one. Emit runs on the timer goroutine for scheduled events and on
// the caller's goroutine for Set.
type Debouncer struct {
	delay time.Duration
	emit  func(*Highlight)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	current *Highlight
}

// NewDebouncer returns a Debouncer that calls emit with every highlight it
// lets through. A non-positive delay uses DefaultDelay.
func NewDebouncer(delay time.Duration, emit func(*Highlight)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if emit == nil {
		emit = func(*Highlight) {}
	}
	return &Debouncer{delay: delay, emit: emit}
}

// Schedule cancels any pending highlight and emits h after the delay.
func (d *Debouncer) Schedule(h *Highlight) {
	d.mu.Lock()
	defer d.mu.Unlock()

	gen := d.cancelLocked()
	d.timer = time.AfterFunc(d.delay, func() {
		d.fire(gen, h)
	})
}

// Set cancels any pending highlight and emits h now.
func (d *Debouncer) Set(h *Highlight) {
	d.mu.Lock()
	d.cancelLocked()
	d.current = h
	d.mu.Unlock()

	d.emit(h)
}

// Stop cancels the pending highlight, if any.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Pending reports whether a highlight is waiting to be emitted.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Current returns the last emitted highlight.
func (d *Debouncer) Current() *Highlight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// cancelLocked stops the pending timer and returns the generation of the
// next scheduled event. A timer that already fired but lost the race for mu
// sees a stale generation and drops its event.
func (d *Debouncer) cancelLocked() uint64 {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	return d.gen
}

func (d *Debouncer) fire(gen uint64, h *Highlight) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		zap.L().Debug("highlight: dropped stale event", zap.Uint64("generation", gen))
		return
	}
	d.timer = nil
	d.current = h
	d.mu.Unlock()

	d.emit(h)
}
