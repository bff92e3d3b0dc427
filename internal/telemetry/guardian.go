package telemetry

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultEmergencyThreshold = 0.95
	defaultRecoveryThreshold  = 0.80
	defaultSoftThreshold      = 0.85
)

// Transition is the outcome of a guardian sample.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionEntered
	TransitionExited
)

// MemoryGuardian samples process heap usage and flips the pipeline into an
// emergency mode that drops all non-critical telemetry. Transitions are
// hysteretic: emergency is entered at the high threshold and exited only
// once usage drops under a strictly lower one, so usage oscillating near
// the boundary cannot flap the mode.
type MemoryGuardian struct {
	mu         sync.Mutex
	emergency  bool
	lastSample time.Time

	enterThreshold float64
	exitThreshold  float64
	softThreshold  float64

	// usage returns the current heap usage ratio in [0, 1]. Injectable
	// for tests; defaults to a runtime.ReadMemStats based sampler.
	usage func() float64
	now   func() time.Time

	// gcHint is called when the trend sampler crosses the soft
	// threshold. Defaults to runtime.GC.
	gcHint func()
}

// NewMemoryGuardian creates a guardian with the given thresholds.
// limitBytes is the heap budget the usage ratio is measured against; when
// zero, the runtime's configured memory limit is used, falling back to the
// reserved heap size when no limit is set. Out-of-range thresholds fall
// back to the defaults (enter 0.95, exit 0.80, soft 0.85).
func NewMemoryGuardian(enterThreshold, exitThreshold, softThreshold float64, limitBytes int64) *MemoryGuardian {
	if enterThreshold <= 0 || enterThreshold > 1 {
		enterThreshold = defaultEmergencyThreshold
	}
	if exitThreshold <= 0 || exitThreshold >= enterThreshold {
		exitThreshold = defaultRecoveryThreshold
	}
	if softThreshold <= 0 || softThreshold > 1 {
		softThreshold = defaultSoftThreshold
	}
	return &MemoryGuardian{
		enterThreshold: enterThreshold,
		exitThreshold:  exitThreshold,
		softThreshold:  softThreshold,
		usage:          heapUsageRatio(limitBytes),
		now:            time.Now,
		gcHint:         runtime.GC,
	}
}

// Sample reads the current usage ratio and applies the hysteresis rule.
// Returns the mode transition this sample caused, if any.
func (g *MemoryGuardian) Sample() Transition {
	ratio := g.usage()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSample = g.now()

	if !g.emergency && ratio >= g.enterThreshold {
		g.emergency = true
		return TransitionEntered
	}
	if g.emergency && ratio < g.exitThreshold {
		g.emergency = false
		return TransitionExited
	}
	return TransitionNone
}

// Emergency reports whether the guardian is currently in emergency mode.
func (g *MemoryGuardian) Emergency() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergency
}

// SampleTrend is the independent, softer sampler: it never gates
// telemetry, it only reports. When usage exceeds the soft threshold it
// requests a garbage-collection hint and returns warn=true so the caller
// can log a non-blocking warning with the ratio.
func (g *MemoryGuardian) SampleTrend() (ratio float64, warn bool) {
	ratio = g.usage()
	if ratio >= g.softThreshold {
		g.gcHint()
		return ratio, true
	}
	return ratio, false
}

// heapUsageRatio builds the default usage sampler. The denominator is, in
// order of preference: the explicit limit, the runtime memory limit
// (GOMEMLIMIT), the reserved heap size.
func heapUsageRatio(limitBytes int64) func() float64 {
	return func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		limit := limitBytes
		if limit <= 0 {
			if rl := debug.SetMemoryLimit(-1); rl > 0 && rl < math.MaxInt64 {
				limit = rl
			}
		}
		if limit <= 0 {
			if m.HeapSys == 0 {
				return 0
			}
			return float64(m.HeapAlloc) / float64(m.HeapSys)
		}
		return float64(m.HeapAlloc) / float64(limit)
	}
}
