package ratelimit

import "time"

// window is a sliding log of event timestamps bounded to max events per
// duration. It is not safe for concurrent use; serviceState serializes access.
type window struct {
	duration time.Duration
	max      int
	events   []time.Time
}

func newWindow(d time.Duration, max int) *window {
	return &window{duration: d, max: max}
}

// purge drops every event at or before now-duration.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.duration)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Copy to release the backing array of long-dead bursts.
	w.events = append(w.events[:0:0], w.events[i:]...)
}

// disabled windows never reject.
func (w *window) disabled() bool {
	return w.max <= 0
}

func (w *window) hasCapacity() bool {
	return w.disabled() || len(w.events) < w.max
}

func (w *window) record(now time.Time) {
	if w.disabled() {
		return
	}
	w.events = append(w.events, now)
}

// unrecord drops the most recent event recorded at at, if still retained.
func (w *window) unrecord(at time.Time) {
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].Equal(at) {
			w.events = append(w.events[:i], w.events[i+1:]...)
			return
		}
	}
}

func (w *window) count() int {
	return len(w.events)
}

// resetAt is when the oldest retained event leaves the window.
func (w *window) resetAt(now time.Time) time.Time {
	if len(w.events) == 0 {
		return now
	}
	return w.events[0].Add(w.duration)
}
