package payment

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// throttle counts consecutive 429 responses across every call made by one
// client and turns a Retry-After hint into a bounded wait.
type throttle struct {
	mu       sync.Mutex
	count    int
	ceiling  int
	minDelay time.Duration
	maxDelay time.Duration
}

func newThrottle(ceiling int, minDelay, maxDelay time.Duration) *throttle {
	if ceiling <= 0 {
		ceiling = 3
	}
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &throttle{ceiling: ceiling, minDelay: minDelay, maxDelay: maxDelay}
}

// hit records a 429. When the ceiling is reached exceeded is true and the
// caller must give up; otherwise wait is how long to pause before re-issuing.
func (t *throttle) hit(retryAfter time.Duration) (wait time.Duration, exceeded bool) {
	t.mu.Lock()
	t.count++
	n := t.count
	t.mu.Unlock()

	if n >= t.ceiling {
		return 0, true
	}
	return t.backoff(retryAfter, n), false
}

// backoff clamps hint into [minDelay, maxDelay] and scales it by 2^(n-1),
// never exceeding maxDelay.
func (t *throttle) backoff(hint time.Duration, n int) time.Duration {
	base := hint
	if base < t.minDelay {
		base = t.minDelay
	}
	if base > t.maxDelay {
		base = t.maxDelay
	}
	factor := math.Pow(2, float64(n-1))
	scaled := time.Duration(float64(base) * factor)
	if scaled > t.maxDelay || scaled <= 0 {
		return t.maxDelay
	}
	return scaled
}

func (t *throttle) reset() {
	t.mu.Lock()
	t.count = 0
	t.mu.Unlock()
}

func (t *throttle) consecutive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
// A missing or unparsable header yields zero, which the clamp lifts to the minimum.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
