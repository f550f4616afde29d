package ratelimit

import (
	"context"
	"sync"
	"time"
)

type waiter struct {
	priority   Priority
	enqueuedAt time.Time
	// admittedAt is when the waiter's slot was recorded; set before result.
	admittedAt time.Time
	result     chan error
}

type serviceState struct {
	mu     sync.Mutex
	cfg    ServiceConfig
	second *window
	minute *window
	hour   *window
	queue  [numPriorities][]*waiter
	queued int
	// tickReleases counts waiters released since the last pump tick.
	tickReleases int
}

func newServiceState(cfg ServiceConfig) *serviceState {
	return &serviceState{
		cfg:    cfg,
		second: newWindow(time.Second, cfg.RequestsPerSecond),
		minute: newWindow(time.Minute, cfg.RequestsPerMinute),
		hour:   newWindow(time.Hour, cfg.RequestsPerHour),
	}
}

func (s *serviceState) windows() [3]*window {
	return [3]*window{s.second, s.minute, s.hour}
}

// admitLocked purges every window and records now in all of them if all have
// capacity.
func (s *serviceState) admitLocked(now time.Time) bool {
	ws := s.windows()
	for _, w := range ws {
		w.purge(now)
	}
	for _, w := range ws {
		if !w.hasCapacity() {
			return false
		}
	}
	for _, w := range ws {
		w.record(now)
	}
	return true
}

// refundLocked removes the slot recorded at at from every window.
func (s *serviceState) refundLocked(at time.Time) {
	for _, w := range s.windows() {
		w.unrecord(at)
	}
}

// releaseLocked admits queued waiters in priority-then-FIFO order until the
// windows are full, the queue is empty, or limit waiters were released in the
// current pump tick (limit <= 0 means no limit).
func (s *serviceState) releaseLocked(now time.Time, limit int) int {
	released := 0
	for s.queued > 0 {
		if limit > 0 && s.tickReleases >= limit {
			break
		}
		if !s.admitLocked(now) {
			break
		}
		w := s.popLocked()
		w.admittedAt = now
		w.result <- nil
		released++
		s.tickReleases++
	}
	return released
}

func (s *serviceState) popLocked() *waiter {
	for p := range s.queue {
		if len(s.queue[p]) == 0 {
			continue
		}
		w := s.queue[p][0]
		s.queue[p][0] = nil
		s.queue[p] = s.queue[p][1:]
		s.queued--
		return w
	}
	return nil
}

// removeLocked takes w out of the queue. It reports false if w was already
// resolved.
func (s *serviceState) removeLocked(w *waiter) bool {
	q := s.queue[w.priority]
	for i, qw := range q {
		if qw == w {
			s.queue[w.priority] = append(q[:i:i], q[i+1:]...)
			s.queued--
			return true
		}
	}
	return false
}

func (s *serviceState) expireLocked(now time.Time, timeout time.Duration) int {
	expired := 0
	for p := range s.queue {
		kept := s.queue[p][:0]
		for _, w := range s.queue[p] {
			if now.Sub(w.enqueuedAt) >= timeout {
				w.result <- ErrRequestTimeout
				expired++
				continue
			}
			kept = append(kept, w)
		}
		for i := len(kept); i < len(s.queue[p]); i++ {
			s.queue[p][i] = nil
		}
		s.queue[p] = kept
	}
	s.queued -= expired
	return expired
}

func (s *serviceState) failAllLocked(err error) {
	for p := range s.queue {
		for _, w := range s.queue[p] {
			w.result <- err
		}
		s.queue[p] = nil
	}
	s.queued = 0
}

// Ticket is the outcome of TryAdmit: either already admitted or queued.
type Ticket struct {
	state *serviceState
	w     *waiter
}

// Admitted reports whether the request was admitted without queueing.
func (t *Ticket) Admitted() bool {
	return t.w == nil
}

// Wait blocks until a queued request is admitted (nil), times out
// (ErrRequestTimeout), the limiter closes (ErrClosed) or ctx is done. A
// request abandoned through ctx leaves the queue; if it was admitted in the
// meantime its slot is handed back to the windows.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.w == nil {
		return nil
	}
	select {
	case err := <-t.w.result:
		return err
	case <-ctx.Done():
	}

	t.state.mu.Lock()
	removed := t.state.removeLocked(t.w)
	t.state.mu.Unlock()
	if !removed {
		// Resolved concurrently.
		if err := <-t.w.result; err == nil {
			t.state.mu.Lock()
			t.state.refundLocked(t.w.admittedAt)
			t.state.mu.Unlock()
		}
	}
	return ctx.Err()
}
