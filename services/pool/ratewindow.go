package pool

import "time"

// rateWindow counts session creations inside a rolling wall-clock window.
// Not safe for concurrent use; the owning host group serializes access.
type rateWindow struct {
	window time.Duration
	max    int
	events []time.Time

	now func() time.Time // test hook
}

func newRateWindow(window time.Duration, max int) *rateWindow {
	return &rateWindow{
		window: window,
		max:    max,
		now:    time.Now,
	}
}

func (w *rateWindow) prune() {
	cutoff := w.now().Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (w *rateWindow) count() int {
	w.prune()
	return len(w.events)
}

// allow records a creation event if the window has room.
func (w *rateWindow) allow() bool {
	w.prune()
	if len(w.events) >= w.max {
		return false
	}
	w.events = append(w.events, w.now())
	return true
}

// nextSlot returns how long until the oldest event rolls out of the
// window. Zero means a creation is allowed right now.
func (w *rateWindow) nextSlot() time.Duration {
	w.prune()
	if len(w.events) < w.max {
		return 0
	}
	wait := w.events[0].Add(w.window).Sub(w.now())
	if wait < 0 {
		return 0
	}
	return wait
}
