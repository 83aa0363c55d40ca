package jianwen

import (
	"sync"
	"time"
)

// suppressionWindow marks the span during which provider events are echoes
// of an operation the coordinator itself is running. It opens when the
// operation starts and closes grace after the last overlapping operation
// ends, and it never spans more than max from its start.
type suppressionWindow struct {
	grace time.Duration
	max   time.Duration

	mu     sync.Mutex
	active int
	start  time.Time
	until  time.Time
}

func newSuppressionWindow(grace, max time.Duration) *suppressionWindow {
	return &suppressionWindow{grace: grace, max: max}
}

func (w *suppressionWindow) open(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == 0 {
		w.start = now
		w.until = time.Time{}
	}
	w.active++
}

func (w *suppressionWindow) close(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == 0 {
		return
	}
	w.active--
	if w.active == 0 {
		w.until = now.Add(w.grace)
	}
}

// covers reports whether an event raised at t belongs to the window.
func (w *suppressionWindow) covers(t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || t.Before(w.start) {
		return false
	}
	end := w.start.Add(w.max)
	if w.active == 0 && w.until.Before(end) {
		end = w.until
	}
	return !t.After(end)
}
