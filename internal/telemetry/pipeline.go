package telemetry

import (
	"context"
	"log"
	"time"

	"officemate/backend/internal/eventbus"
	"officemate/backend/internal/telemetry/producer"
	"officemate/backend/internal/telemetry/repository"
)

// Config is the pipeline's startup configuration. Zero values fall back to
// the documented defaults; it is read once at construction and not
// re-validated at runtime.
type Config struct {
	RingCapacity int

	ThrottleWindow    time.Duration
	ThrottleThreshold int

	DedupWindow          time.Duration
	DedupCategoryWindows map[string]time.Duration
	DedupMaxEntries      int

	MemoryEmergencyThreshold float64
	MemoryRecoveryThreshold  float64
	MemorySoftThreshold      float64
	MemoryLimitBytes         int64

	// SampleInterval drives the guardian's emergency sampler,
	// TrendInterval the softer warning sampler, SweepInterval the
	// dedup/throttle state cleanup.
	SampleInterval time.Duration
	TrendInterval  time.Duration
	SweepInterval  time.Duration

	// Production drops debug-level records entirely.
	Production bool
}

const (
	defaultSampleInterval = 5 * time.Second
	defaultTrendInterval  = time.Minute
	defaultSweepInterval  = 30 * time.Second
)

// Pipeline ties the bus, sink, and gates together. Built once by the
// composition root and passed by reference to producers; tests construct a
// fresh pipeline each.
type Pipeline struct {
	Bus  *eventbus.Bus
	Sink *Sink

	guardian *MemoryGuardian
	throttle *ThrottleGuard
	dedup    *DedupFilter

	sampleInterval time.Duration
	trendInterval  time.Duration
	sweepInterval  time.Duration
}

// New builds the pipeline in two phases: the gates and sink are constructed
// against the already-existing bus, then the sink registers its own bus
// subscriptions and becomes the bus's error reporter. repo and prod may be
// nil (persistence/transport unconfigured).
func New(cfg Config, bus *eventbus.Bus, repo repository.Repository, prod producer.Producer, metrics *Metrics) (*Pipeline, error) {
	guardian := NewMemoryGuardian(
		cfg.MemoryEmergencyThreshold,
		cfg.MemoryRecoveryThreshold,
		cfg.MemorySoftThreshold,
		cfg.MemoryLimitBytes,
	)
	throttle := NewThrottleGuard(cfg.ThrottleWindow, cfg.ThrottleThreshold)
	dedup := NewDedupFilter(cfg.DedupWindow, cfg.DedupCategoryWindows, cfg.DedupMaxEntries)
	dedup.RegisterKeyFunc("graph", CloudAPIKey)

	sink := &Sink{
		bus:         bus,
		ring:        NewRing(cfg.RingCapacity),
		throttle:    throttle,
		dedup:       dedup,
		guardian:    guardian,
		repo:        repo,
		prod:        prod,
		metrics:     metrics,
		fallback:    log.Default(),
		now:         time.Now,
		seenModules: make(map[string]bool),
	}
	sink.filters = sink.defaultFilterRules(cfg.Production)

	if err := sink.bindBus(); err != nil {
		return nil, err
	}
	bus.SetErrorReporter(sink)

	return &Pipeline{
		Bus:            bus,
		Sink:           sink,
		guardian:       guardian,
		throttle:       throttle,
		dedup:          dedup,
		sampleInterval: durationOr(cfg.SampleInterval, defaultSampleInterval),
		trendInterval:  durationOr(cfg.TrendInterval, defaultTrendInterval),
		sweepInterval:  durationOr(cfg.SweepInterval, defaultSweepInterval),
	}, nil
}

// Run drives the periodic tasks: guardian emergency sampling, the softer
// memory trend sampler, and the dedup/throttle sweeps. Blocks until ctx is
// cancelled; all tickers stop then, so shutdown leaks nothing.
func (p *Pipeline) Run(ctx context.Context) {
	sample := time.NewTicker(p.sampleInterval)
	defer sample.Stop()
	trend := time.NewTicker(p.trendInterval)
	defer trend.Stop()
	sweep := time.NewTicker(p.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			if t := p.guardian.Sample(); t != TransitionNone {
				p.Sink.noticeTransition(t)
			}
		case <-trend.C:
			if ratio, warn := p.guardian.SampleTrend(); warn {
				p.Sink.memoryTrendNotice(ratio)
			}
		case <-sweep.C:
			p.dedup.Sweep()
			p.throttle.PruneStale(10 * p.sweepInterval)
		}
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
