package pool

import (
	"context"
	"sync"
	"time"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
)

type waiter struct {
	rank  int
	seq   uint64
	ready chan struct{}
}

// hostGroup accounts live sessions and session creations for one canonical
// host. Admission requires a free capacity slot and room in the rolling
// creation window; blocked callers queue ordered by (priority, arrival).
type hostGroup struct {
	canonical   string
	maxSessions int

	mu       sync.Mutex
	window   *rateWindow
	live     int
	reserved int
	waiters  []*waiter
	seq      uint64
	closed   bool
}

func newHostGroup(canonical string, maxSessions int, window time.Duration, windowMax int) *hostGroup {
	return &hostGroup{
		canonical:   canonical,
		maxSessions: maxSessions,
		window:      newRateWindow(window, windowMax),
	}
}

// admit blocks until the caller may create a session, reserving a capacity
// slot and a rate-window event on success. The caller must follow up with
// confirm (dial succeeded) or abandon (dial failed).
func (g *hostGroup) admit(ctx context.Context, priority enum.TaskPriority) error {
	g.mu.Lock()
	w := &waiter{rank: priority.Rank(), seq: g.nextSeqLocked(), ready: make(chan struct{}, 1)}
	g.enqueueLocked(w)

	for {
		if g.closed {
			g.removeLocked(w)
			g.mu.Unlock()
			return ErrPoolClosed
		}

		atCapacity := g.live+g.reserved >= g.maxSessions
		if !atCapacity && !g.hasWaiterAheadLocked(w) {
			if g.window.allow() {
				g.removeLocked(w)
				g.reserved++
				g.mu.Unlock()
				// The head of the queue changed; let the next waiter
				// re-check admission.
				g.wake()
				return nil
			}
			// Blocked on the rate window only: wake the queue when the
			// oldest creation rolls out.
			if wait := g.window.nextSlot(); wait > 0 {
				time.AfterFunc(wait, g.wake)
			}
		}
		g.mu.Unlock()

		select {
		case <-w.ready:
			g.mu.Lock()

		case <-ctx.Done():
			g.mu.Lock()
			g.removeLocked(w)
			blockedOnCapacity := g.live+g.reserved >= g.maxSessions
			g.mu.Unlock()
			// The next waiter may be admissible where this one was not.
			g.wake()
			if blockedOnCapacity {
				return ErrHostBusy
			}
			return ErrRateLimited
		}
	}
}

// confirm converts a reservation into a live session.
func (g *hostGroup) confirm() {
	g.mu.Lock()
	g.reserved--
	g.live++
	g.mu.Unlock()
}

// abandon releases a reservation after a failed dial.
func (g *hostGroup) abandon() {
	g.mu.Lock()
	g.reserved--
	g.mu.Unlock()
	g.wake()
}

// retire releases the capacity slot of a closed session.
func (g *hostGroup) retire() {
	g.mu.Lock()
	if g.live > 0 {
		g.live--
	}
	g.mu.Unlock()
	g.wake()
}

// wake signals the best-ranked waiter so it re-checks admission.
func (g *hostGroup) wake() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) == 0 {
		return
	}
	best := g.waiters[0]
	for _, w := range g.waiters[1:] {
		if w.rank < best.rank || (w.rank == best.rank && w.seq < best.seq) {
			best = w
		}
	}
	select {
	case best.ready <- struct{}{}:
	default:
	}
}

func (g *hostGroup) wakeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.waiters {
		select {
		case w.ready <- struct{}{}:
		default:
		}
	}
}

func (g *hostGroup) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wakeAll()
}

func (g *hostGroup) stats() interfaces.HostGroupStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return interfaces.HostGroupStats{
		CanonicalHost:   g.canonical,
		LiveSessions:    g.live,
		MaxSessions:     g.maxSessions,
		WindowCreates:   g.window.count(),
		WindowMax:       g.window.max,
		WaitingRequests: len(g.waiters),
	}
}

func (g *hostGroup) nextSeqLocked() uint64 {
	g.seq++
	return g.seq
}

func (g *hostGroup) enqueueLocked(w *waiter) {
	g.waiters = append(g.waiters, w)
}

func (g *hostGroup) removeLocked(target *waiter) {
	for i, w := range g.waiters {
		if w == target {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}

// hasWaiterAheadLocked reports whether another waiter outranks target:
// strictly higher priority, or same priority but queued earlier.
func (g *hostGroup) hasWaiterAheadLocked(target *waiter) bool {
	for _, w := range g.waiters {
		if w == target {
			continue
		}
		if w.rank < target.rank || (w.rank == target.rank && w.seq < target.seq) {
			return true
		}
	}
	return false
}
