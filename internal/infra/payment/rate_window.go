package payment

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit calls per key within any window-long span.
// A full window rejects immediately; nothing is queued.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
	calls  int
}

// gcEvery is how many Allow calls pass between sweeps of idle keys.
const gcEvery = 256

func NewSlidingWindow(limit int, window time.Duration, now func() time.Time) *SlidingWindow {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{limit: limit, window: window, now: now, hits: make(map[string][]time.Time)}
}

// Allow records a call for key and reports whether it fits in the window.
// Rejected calls are not recorded.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	if w.calls++; w.calls%gcEvery == 0 {
		w.gc(cutoff)
	}
	ts := w.hits[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) >= w.limit {
		w.hits[key] = ts
		return false
	}
	w.hits[key] = append(ts, now)
	return true
}

// gc drops keys whose newest call has left the window.
func (w *SlidingWindow) gc(cutoff time.Time) {
	for k, ts := range w.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(w.hits, k)
		}
	}
}

// Len returns the number of calls currently counted for key.
func (w *SlidingWindow) Len(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.window)
	n := 0
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
