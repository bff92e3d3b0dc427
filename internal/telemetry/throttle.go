package telemetry

import (
	"sync"
	"time"
)

const (
	defaultThrottleWindow    = time.Second
	defaultThrottleThreshold = 10
)

// throttleState tracks one category's current window.
type throttleState struct {
	windowStart time.Time
	count       int
	suppressed  int
}

// ThrottleGuard is a per-category sliding-window rate limiter for
// error-class records. It bounds worst-case telemetry volume from a single
// noisy category to threshold accepted records per window.
type ThrottleGuard struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	states    map[string]*throttleState
	now       func() time.Time
}

// NewThrottleGuard creates a guard with the given window and threshold.
// Non-positive values fall back to the defaults (1s, 10).
func NewThrottleGuard(window time.Duration, threshold int) *ThrottleGuard {
	if window <= 0 {
		window = defaultThrottleWindow
	}
	if threshold <= 0 {
		threshold = defaultThrottleThreshold
	}
	return &ThrottleGuard{
		window:    window,
		threshold: threshold,
		states:    make(map[string]*throttleState),
		now:       time.Now,
	}
}

// Accept decides whether a record in the given category may proceed.
// suppressed is non-zero only on the first call after a window rollover and
// carries the previous window's suppression count, so the caller can emit a
// single summary notice. Within an active window the decision is monotonic:
// once the threshold is reached, every further call is suppressed until the
// window resets.
func (g *ThrottleGuard) Accept(category string) (accepted bool, suppressed int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st, ok := g.states[category]
	if !ok {
		g.states[category] = &throttleState{windowStart: now, count: 1}
		return true, 0
	}
	if now.Sub(st.windowStart) >= g.window {
		prior := st.suppressed
		st.windowStart = now
		st.count = 1
		st.suppressed = 0
		return true, prior
	}
	if st.count >= g.threshold {
		st.suppressed++
		return false, 0
	}
	st.count++
	return true, 0
}

// PruneStale drops per-category state that has been idle longer than
// maxIdle. Called from the pipeline's periodic sweep so the state map does
// not grow with every category ever seen.
func (g *ThrottleGuard) PruneStale(maxIdle time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for category, st := range g.states {
		if now.Sub(st.windowStart) > maxIdle {
			delete(g.states, category)
		}
	}
}
