// Package telemetry implements the event-driven telemetry pipeline: a
// gating chain (throttle, dedup, memory guardian) in front of a circular
// log store, a durable transport, and live event-bus broadcast.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"officemate/backend/internal/eventbus"
	"officemate/backend/internal/telemetry/domain"
	"officemate/backend/internal/telemetry/producer"
	"officemate/backend/internal/telemetry/repository"
)

// Bus event names. Submit events are how other components feed telemetry
// through the bus instead of calling the sink directly; log/metric events
// are the live broadcast for subscribers (UI, other services).
const (
	EventSubmitLog    = "telemetry.submit.log"
	EventSubmitMetric = "telemetry.submit.metric"

	EventLogDebug = "telemetry.log.debug"
	EventLogInfo  = "telemetry.log.info"
	EventLogWarn  = "telemetry.log.warn"
	EventLogError = "telemetry.log.error"
	EventMetric   = "telemetry.metric"
)

// forwardTimeout is the max time allowed for one async persistence or
// transport write. ShutdownDrainDuration must be >= this.
const forwardTimeout = 5 * time.Second

// ShutdownDrainDuration is how long the composition root waits on shutdown
// so in-flight async forwards have time to complete.
const ShutdownDrainDuration = forwardTimeout

// LogRequest is the payload shape accepted on EventSubmitLog.
type LogRequest struct {
	Level    domain.Level
	Message  string
	Category string
	Context  map[string]any
	TraceID  string
	UserID   string
	DeviceID string
}

// MetricRequest is the payload shape accepted on EventSubmitMetric.
type MetricRequest struct {
	Name     string
	Value    float64
	Context  map[string]any
	UserID   string
	DeviceID string
}

type callOptions struct {
	traceID  string
	userID   string
	deviceID string

	// fromBus marks records that arrived via a submit event; they are
	// not re-broadcast, preventing feedback loops.
	fromBus bool
	// internal marks records the pipeline generated while reacting to a
	// failure (handler errors); gates apply but broadcast does not.
	internal bool
	// notice marks pipeline status records (suppression summaries,
	// memory warnings); they skip throttle, dedup, and noise filters.
	notice bool
	// critical additionally bypasses the emergency gate; only the
	// emergency transition notices use it.
	critical bool
}

// CallOption attaches optional identity to a telemetry call.
type CallOption func(*callOptions)

// WithTraceID correlates the record with a trace.
func WithTraceID(id string) CallOption {
	return func(o *callOptions) { o.traceID = id }
}

// WithUserID attaches the acting user; records with a user id are also
// persisted best-effort.
func WithUserID(id string) CallOption {
	return func(o *callOptions) { o.userID = id }
}

// WithDeviceID attaches the originating device.
func WithDeviceID(id string) CallOption {
	return func(o *callOptions) { o.deviceID = id }
}

// FilterRule drops known-noisy, low-value records before they are built.
// Returning true drops the record.
type FilterRule func(level domain.Level, category, message string, ctx map[string]any) bool

// Sink is the telemetry façade every other component logs through. It runs
// each call through the gating chain and fans survivors out to the ring,
// the durable transport, best-effort persistence, and the event bus.
type Sink struct {
	bus      *eventbus.Bus
	ring     *Ring
	throttle *ThrottleGuard
	dedup    *DedupFilter
	guardian *MemoryGuardian
	repo     repository.Repository
	prod     producer.Producer
	metrics  *Metrics
	filters  []FilterRule
	fallback *log.Logger
	now      func() time.Time

	inflight sync.WaitGroup

	mu          sync.Mutex
	seenModules map[string]bool
}

// Error records an error-level event. Error calls are additionally subject
// to per-category throttling.
func (s *Sink) Error(message string, ctx map[string]any, category string, opts ...CallOption) {
	s.log(domain.LevelError, message, ctx, category, applyOpts(opts))
}

// Warn records a warning-level event.
func (s *Sink) Warn(message string, ctx map[string]any, category string, opts ...CallOption) {
	s.log(domain.LevelWarn, message, ctx, category, applyOpts(opts))
}

// Info records an info-level event.
func (s *Sink) Info(message string, ctx map[string]any, category string, opts ...CallOption) {
	s.log(domain.LevelInfo, message, ctx, category, applyOpts(opts))
}

// Debug records a debug-level event. Dropped entirely in production mode.
func (s *Sink) Debug(message string, ctx map[string]any, category string, opts ...CallOption) {
	s.log(domain.LevelDebug, message, ctx, category, applyOpts(opts))
}

// TrackMetric records a numeric measurement. Metrics pass only the memory
// guardian and noise-filter gates; they are never throttled or deduped.
func (s *Sink) TrackMetric(name string, value float64, ctx map[string]any, opts ...CallOption) {
	o := applyOpts(opts)
	if s.guardian.Emergency() && !o.critical {
		s.metrics.dropped(dropReasonEmergency)
		return
	}
	if !o.notice && metricIsNoise(name, value) {
		s.metrics.dropped(dropReasonFiltered)
		return
	}
	m := &domain.Metric{
		Name:      name,
		Value:     value,
		Timestamp: s.now(),
		Context:   domain.SanitizeContext(ctx),
		UserID:    o.userID,
		DeviceID:  o.deviceID,
	}
	s.ring.Add(m)
	s.metrics.metricAccepted()
	s.forward(m)
	if !o.fromBus && !o.internal {
		s.bus.Emit(context.Background(), EventMetric, m, s.identityOpts(o)...)
	}
}

// SubscribeToLogs delivers every broadcast log record to cb. Returns a
// single unsubscribe function covering all levels.
func (s *Sink) SubscribeToLogs(cb func(*domain.Record)) (func(), error) {
	events := []string{EventLogDebug, EventLogInfo, EventLogWarn, EventLogError}
	ids := make([]int64, 0, len(events))
	for _, event := range events {
		id, err := s.bus.Subscribe(event, func(ctx context.Context, payload any) error {
			if rec, ok := payload.(*domain.Record); ok {
				cb(rec)
			}
			return nil
		})
		if err != nil {
			for _, prev := range ids {
				s.bus.Unsubscribe(prev)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return func() {
		for _, id := range ids {
			s.bus.Unsubscribe(id)
		}
	}, nil
}

// SubscribeToMetrics delivers every broadcast metric to cb. Returns an
// unsubscribe function.
func (s *Sink) SubscribeToMetrics(cb func(*domain.Metric)) (func(), error) {
	id, err := s.bus.Subscribe(EventMetric, func(ctx context.Context, payload any) error {
		if m, ok := payload.(*domain.Metric); ok {
			cb(m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func() { s.bus.Unsubscribe(id) }, nil
}

// GetLatestLogs returns up to limit stored entries, newest first.
// limit <= 0 returns everything in the ring.
func (s *Sink) GetLatestLogs(limit int) []domain.Entry {
	entries := s.ring.All()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EntryTime().After(entries[j].EntryTime())
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// ReportHandlerError implements eventbus.ErrorReporter: a listener failure
// becomes exactly one system-category error record. The record is not
// re-broadcast, so a failing telemetry subscriber cannot feed itself.
func (s *Sink) ReportHandlerError(event string, err error) {
	s.metrics.handlerFailed()
	s.log(domain.LevelError, "event handler failed",
		map[string]any{"event": event, "error": err.Error()},
		"system", callOptions{internal: true})
}

// Drain waits up to timeout for in-flight async forwards (persistence,
// transport) to finish. Used by the composition root during shutdown.
func (s *Sink) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// log is the single gating chain behind all level entry points.
func (s *Sink) log(level domain.Level, message string, ctx map[string]any, category string, o callOptions) {
	if category == "" {
		category = "general"
	}
	if s.guardian.Emergency() && !o.critical {
		s.metrics.dropped(dropReasonEmergency)
		return
	}
	if level == domain.LevelError && !o.notice {
		accepted, suppressed := s.throttle.Accept(category)
		if suppressed > 0 {
			s.suppressionNotice(category, suppressed)
		}
		if !accepted {
			s.metrics.dropped(dropReasonThrottled)
			return
		}
	}
	if !o.notice && s.dropByFilter(level, category, message, ctx) {
		s.metrics.dropped(dropReasonFiltered)
		return
	}

	rec := domain.NewRecord(s.now(), level, category, message, ctx)
	rec.TraceID = o.traceID
	rec.UserID = o.userID
	rec.DeviceID = o.deviceID

	if !o.notice && s.dedup.IsDuplicate(rec) {
		s.metrics.dropped(dropReasonDuplicate)
		return
	}

	s.ring.Add(rec)
	s.metrics.accepted(string(level))
	s.forward(rec)

	if !o.fromBus && !o.internal {
		s.bus.Emit(context.Background(), eventForLevel(level), rec, s.identityOpts(o)...)
	}
}

// forward hands the entry to the durable transport and, for user-scoped
// records, to persistence. Both are fire-and-forget with a short timeout;
// failures go to the local fallback logger only and never re-enter the
// sink.
func (s *Sink) forward(e domain.Entry) {
	if s.prod != nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
			defer cancel()
			if err := s.prod.Emit(ctx, e); err != nil {
				s.metrics.persistFailed()
				s.fallback.Printf("telemetry: transport emit failed: %v", err)
			}
		}()
	}
	rec, ok := e.(*domain.Record)
	if !ok || rec.UserID == "" || s.repo == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		if err := s.repo.SaveUserLog(ctx, userLogFromRecord(rec)); err != nil {
			s.metrics.persistFailed()
			s.fallback.Printf("telemetry: user log persist failed: %v", err)
		}
	}()
}

// suppressionNotice reports how many records throttling dropped in the
// category's previous window.
func (s *Sink) suppressionNotice(category string, suppressed int) {
	s.log(domain.LevelWarn,
		fmt.Sprintf("throttled %d records in category %q during the last window", suppressed, category),
		map[string]any{"suppressed": suppressed, "throttledCategory": category},
		"telemetry", callOptions{notice: true})
}

// noticeTransition records guardian mode changes. The entered notice is
// critical so it passes the emergency gate it just raised.
func (s *Sink) noticeTransition(t Transition) {
	switch t {
	case TransitionEntered:
		s.log(domain.LevelError, "memory emergency: dropping all non-critical telemetry",
			nil, "memory", callOptions{notice: true, critical: true})
	case TransitionExited:
		s.log(domain.LevelInfo, "memory emergency cleared: telemetry resumed",
			nil, "memory", callOptions{notice: true, critical: true})
	}
}

// memoryTrendNotice is the soft sampler's non-blocking warning.
func (s *Sink) memoryTrendNotice(ratio float64) {
	s.log(domain.LevelWarn, "memory usage high",
		map[string]any{"heapRatio": ratio},
		"memory", callOptions{notice: true})
}

// bindBus registers the submit-event subscriptions so components can feed
// telemetry through the bus. Records ingested this way are not
// re-broadcast.
func (s *Sink) bindBus() error {
	if _, err := s.bus.Subscribe(EventSubmitLog, func(ctx context.Context, payload any) error {
		req, ok := payload.(LogRequest)
		if !ok {
			return fmt.Errorf("telemetry: unexpected submit payload %T", payload)
		}
		s.log(req.Level, req.Message, req.Context, req.Category, callOptions{
			traceID:  req.TraceID,
			userID:   req.UserID,
			deviceID: req.DeviceID,
			fromBus:  true,
		})
		return nil
	}); err != nil {
		return err
	}
	_, err := s.bus.Subscribe(EventSubmitMetric, func(ctx context.Context, payload any) error {
		req, ok := payload.(MetricRequest)
		if !ok {
			return fmt.Errorf("telemetry: unexpected submit payload %T", payload)
		}
		s.TrackMetric(req.Name, req.Value, req.Context, func(o *callOptions) {
			o.userID = req.UserID
			o.deviceID = req.DeviceID
			o.fromBus = true
		})
		return nil
	})
	return err
}

func (s *Sink) dropByFilter(level domain.Level, category, message string, ctx map[string]any) bool {
	for _, rule := range s.filters {
		if rule(level, category, message, ctx) {
			return true
		}
	}
	return false
}

func (s *Sink) identityOpts(o callOptions) []eventbus.EmitOption {
	var opts []eventbus.EmitOption
	if o.userID != "" {
		opts = append(opts, eventbus.EmitForUser(o.userID))
	}
	if o.deviceID != "" {
		opts = append(opts, eventbus.EmitForDevice(o.deviceID))
	}
	return opts
}

func applyOpts(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func eventForLevel(level domain.Level) string {
	switch level {
	case domain.LevelDebug:
		return EventLogDebug
	case domain.LevelInfo:
		return EventLogInfo
	case domain.LevelWarn:
		return EventLogWarn
	default:
		return EventLogError
	}
}

func userLogFromRecord(rec *domain.Record) *domain.UserLog {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil || rec.Context == nil {
		ctxJSON = []byte("{}")
	}
	l := &domain.UserLog{
		UserID:    rec.UserID,
		Level:     string(rec.Level),
		Category:  rec.Category,
		Message:   rec.Message,
		Context:   ctxJSON,
		CreatedAt: rec.Timestamp,
	}
	if rec.DeviceID != "" {
		deviceID := rec.DeviceID
		l.DeviceID = &deviceID
	}
	if rec.TraceID != "" {
		traceID := rec.TraceID
		l.TraceID = &traceID
	}
	return l
}

// staticAssetSuffixes mark request logs for assets nobody troubleshoots.
var staticAssetSuffixes = []string{".css", ".js", ".map", ".ico", ".png", ".svg", ".woff", ".woff2"}

// defaultFilterRules builds the category noise filters. The seenModules
// map backs the duplicate "module registered" rule.
func (s *Sink) defaultFilterRules(production bool) []FilterRule {
	rules := []FilterRule{
		// Static asset request logs.
		func(level domain.Level, category, message string, ctx map[string]any) bool {
			if category != "http" && category != "request" {
				return false
			}
			target := message
			if p, ok := ctx["path"].(string); ok {
				target = p
			}
			for _, suffix := range staticAssetSuffixes {
				if hasSuffixFold(target, suffix) {
					return true
				}
			}
			return false
		},
		// Repeated module-registration notices; the first one is kept.
		func(level domain.Level, category, message string, ctx map[string]any) bool {
			if category != "module" || !containsFold(message, "registered") {
				return false
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.seenModules[message] {
				return true
			}
			s.seenModules[message] = true
			return false
		},
	}
	if production {
		rules = append(rules, func(level domain.Level, category, message string, ctx map[string]any) bool {
			return level == domain.LevelDebug
		})
	}
	return rules
}

// metricIsNoise drops sub-10ms duration measurements; they carry no signal
// and dominate volume.
func metricIsNoise(name string, value float64) bool {
	if value >= 10 {
		return false
	}
	return hasSuffixFold(name, "_ms") || containsFold(name, "duration") || containsFold(name, "latency")
}

func hasSuffixFold(s, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(s), suffix)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
