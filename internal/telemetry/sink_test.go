package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"officemate/backend/internal/eventbus"
	"officemate/backend/internal/telemetry/domain"
	"officemate/backend/internal/telemetry/producer"
	"officemate/backend/internal/telemetry/repository"
)

// mockRepo implements repository.Repository for tests.
type mockRepo struct {
	mu      sync.Mutex
	saved   []*domain.UserLog
	saveErr error
}

func (m *mockRepo) SaveUserLog(ctx context.Context, l *domain.UserLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, l)
	return m.saveErr
}

func (m *mockRepo) GetByID(ctx context.Context, id int64) (*domain.UserLog, error) {
	return nil, nil
}

func (m *mockRepo) ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.UserLog, error) {
	return nil, nil
}

func (m *mockRepo) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// memProducer implements producer.Producer for tests.
type memProducer struct {
	mu      sync.Mutex
	entries []domain.Entry
	emitErr error
}

func (m *memProducer) Emit(ctx context.Context, e domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.emitErr
}

func (m *memProducer) Close() error { return nil }

func (m *memProducer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestPipeline(t *testing.T, cfg Config, repo repository.Repository, prod producer.Producer) *Pipeline {
	t.Helper()
	bus := eventbus.New()
	metrics := NewMetrics(prometheus.NewRegistry())
	p, err := New(cfg, bus, repo, prod, metrics)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSink_ErrorReachesRingAndBus(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	var received []*domain.Record
	unsubscribe, err := p.Sink.SubscribeToLogs(func(rec *domain.Record) {
		received = append(received, rec)
	})
	if err != nil {
		t.Fatalf("SubscribeToLogs: %v", err)
	}
	defer unsubscribe()

	p.Sink.Error("connection refused", map[string]any{"host": "db-1"}, "database")

	if len(received) != 1 {
		t.Fatalf("broadcast records = %d, want 1", len(received))
	}
	if received[0].Level != domain.LevelError {
		t.Errorf("level = %q, want error", received[0].Level)
	}
	if received[0].Category != "database" {
		t.Errorf("category = %q, want database", received[0].Category)
	}

	latest := p.Sink.GetLatestLogs(10)
	if len(latest) != 1 {
		t.Fatalf("ring entries = %d, want 1", len(latest))
	}
}

func TestSink_SubscribeUnsubscribe(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	var count int
	unsubscribe, err := p.Sink.SubscribeToLogs(func(rec *domain.Record) { count++ })
	if err != nil {
		t.Fatalf("SubscribeToLogs: %v", err)
	}
	p.Sink.Info("one", nil, "module")
	unsubscribe()
	p.Sink.Info("two", nil, "module")

	if count != 1 {
		t.Errorf("callback invocations = %d, want 1", count)
	}
}

func TestSink_SubscribeToMetrics(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	var got []*domain.Metric
	unsubscribe, err := p.Sink.SubscribeToMetrics(func(m *domain.Metric) {
		got = append(got, m)
	})
	if err != nil {
		t.Fatalf("SubscribeToMetrics: %v", err)
	}
	defer unsubscribe()

	p.Sink.TrackMetric("graph_request_ms", 250, nil, WithUserID("user-1"))

	if len(got) != 1 {
		t.Fatalf("metrics = %d, want 1", len(got))
	}
	if got[0].Name != "graph_request_ms" || got[0].Value != 250 {
		t.Errorf("metric = %+v", got[0])
	}
	if got[0].UserID != "user-1" {
		t.Errorf("metric user = %q, want user-1", got[0].UserID)
	}
}

func TestSink_EmergencyModeDropsEverythingButTransitions(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)
	ratio := 0.96
	setUsage(p.guardian, &ratio)

	if tr := p.guardian.Sample(); tr != TransitionEntered {
		t.Fatalf("Sample = %v, want TransitionEntered", tr)
	}
	p.Sink.noticeTransition(TransitionEntered)

	p.Sink.Error("lost database", nil, "database")
	p.Sink.Info("ignored", nil, "module")
	p.Sink.TrackMetric("graph_request_ms", 100, nil)

	entries := p.Sink.GetLatestLogs(0)
	if len(entries) != 1 {
		t.Fatalf("ring entries = %d, want only the transition notice", len(entries))
	}
	notice := entries[0].(*domain.Record)
	if notice.Category != "memory" {
		t.Errorf("notice category = %q, want memory", notice.Category)
	}

	// Recovery: the exit notice and subsequent records get through.
	ratio = 0.50
	if tr := p.guardian.Sample(); tr != TransitionExited {
		t.Fatalf("Sample = %v, want TransitionExited", tr)
	}
	p.Sink.noticeTransition(TransitionExited)
	p.Sink.Info("back", nil, "module")

	if got := len(p.Sink.GetLatestLogs(0)); got != 3 {
		t.Errorf("ring entries after recovery = %d, want 3", got)
	}
}

func TestSink_ThrottleAndDedupCollapseErrorStorm(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(t, Config{
		ThrottleWindow:    time.Second,
		ThrottleThreshold: 5,
		DedupWindow:       time.Minute,
	}, nil, nil)
	p.Sink.now = clock.now
	p.throttle.now = clock.now
	p.dedup.now = clock.now

	var broadcast int
	unsubscribe, _ := p.Sink.SubscribeToLogs(func(rec *domain.Record) { broadcast++ })
	defer unsubscribe()

	// 20 failures of the same underlying error within one second, each
	// naming a different resource id.
	for i := 0; i < 20; i++ {
		clock.advance(40 * time.Millisecond)
		p.Sink.Error(
			fmt.Sprintf("API request failed: cancel event 404 - Not Found (event %024x)", i),
			map[string]any{"status": 404}, "graph")
	}

	// Throttle caps raw acceptance at 5; dedup collapses those into one
	// stored and broadcast record.
	if got := len(p.Sink.GetLatestLogs(0)); got != 1 {
		t.Errorf("stored records = %d, want 1", got)
	}
	if broadcast != 1 {
		t.Errorf("broadcast records = %d, want 1", broadcast)
	}
}

func TestSink_SuppressionSummaryAfterWindow(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(t, Config{
		ThrottleWindow:    time.Second,
		ThrottleThreshold: 2,
		DedupWindow:       time.Millisecond,
	}, nil, nil)
	p.Sink.now = clock.now
	p.throttle.now = clock.now
	p.dedup.now = clock.now

	for i := 0; i < 5; i++ {
		p.Sink.Error(fmt.Sprintf("failure %d", i), nil, "database")
	}
	clock.advance(2 * time.Second)
	p.Sink.Error("failure after window", nil, "database")

	var summary *domain.Record
	for _, e := range p.Sink.GetLatestLogs(0) {
		rec := e.(*domain.Record)
		if rec.Category == "telemetry" && rec.Level == domain.LevelWarn {
			summary = rec
		}
	}
	if summary == nil {
		t.Fatal("no suppression summary recorded")
	}
	if summary.Context["suppressed"] != 3 {
		t.Errorf("suppressed = %v, want 3", summary.Context["suppressed"])
	}
}

func TestSink_PersistsUserScopedRecords(t *testing.T) {
	repo := &mockRepo{}
	p := newTestPipeline(t, Config{}, repo, nil)

	p.Sink.Error("send failed", map[string]any{"status": 502}, "mail",
		WithUserID("user-1"), WithDeviceID("dev-1"), WithTraceID("trace-7"))
	p.Sink.Error("anonymous failure", nil, "mail")
	p.Sink.Drain(time.Second)

	if repo.savedCount() != 1 {
		t.Fatalf("persisted logs = %d, want 1 (only the user-scoped record)", repo.savedCount())
	}
	saved := repo.saved[0]
	if saved.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", saved.UserID)
	}
	if saved.DeviceID == nil || *saved.DeviceID != "dev-1" {
		t.Errorf("DeviceID = %v, want dev-1", saved.DeviceID)
	}
	if saved.TraceID == nil || *saved.TraceID != "trace-7" {
		t.Errorf("TraceID = %v, want trace-7", saved.TraceID)
	}
	if saved.Level != "error" || saved.Category != "mail" {
		t.Errorf("saved = %+v", saved)
	}
}

func TestSink_PersistFailureStaysLocal(t *testing.T) {
	repo := &mockRepo{saveErr: errors.New("connection reset")}
	p := newTestPipeline(t, Config{}, repo, nil)

	// Must not panic, retry, or generate further records.
	p.Sink.Error("send failed", nil, "mail", WithUserID("user-1"))
	p.Sink.Drain(time.Second)

	if got := len(p.Sink.GetLatestLogs(0)); got != 1 {
		t.Errorf("ring entries = %d, want 1 (failure must not re-enter the sink)", got)
	}
}

func TestSink_ForwardsToProducer(t *testing.T) {
	prod := &memProducer{}
	p := newTestPipeline(t, Config{}, nil, prod)

	p.Sink.Warn("event conflict", nil, "calendar")
	p.Sink.TrackMetric("graph_request_ms", 120, nil)
	p.Sink.Drain(time.Second)

	if prod.count() != 2 {
		t.Errorf("transport entries = %d, want 2", prod.count())
	}
}

func TestSink_BusSubmittedRecordsNotRebroadcast(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	var broadcast int
	unsubscribe, _ := p.Sink.SubscribeToLogs(func(rec *domain.Record) { broadcast++ })
	defer unsubscribe()

	p.Bus.Emit(context.Background(), EventSubmitLog, LogRequest{
		Level:    domain.LevelError,
		Message:  "submitted via bus",
		Category: "database",
	})

	if got := len(p.Sink.GetLatestLogs(0)); got != 1 {
		t.Fatalf("ring entries = %d, want 1", got)
	}
	if broadcast != 0 {
		t.Errorf("bus-submitted record was re-broadcast %d times", broadcast)
	}
}

func TestSink_BusSubmittedMetric(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	p.Bus.Emit(context.Background(), EventSubmitMetric, MetricRequest{
		Name:  "sync_items",
		Value: 42,
	})

	entries := p.Sink.GetLatestLogs(0)
	if len(entries) != 1 {
		t.Fatalf("ring entries = %d, want 1", len(entries))
	}
	if m, ok := entries[0].(*domain.Metric); !ok || m.Name != "sync_items" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestSink_HandlerFailureBecomesOneRecord(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	p.Bus.Subscribe("calendar.changed", func(ctx context.Context, payload any) error {
		return errors.New("listener broke")
	})
	p.Bus.Emit(context.Background(), "calendar.changed", nil)

	entries := p.Sink.GetLatestLogs(0)
	if len(entries) != 1 {
		t.Fatalf("ring entries = %d, want 1", len(entries))
	}
	rec := entries[0].(*domain.Record)
	if rec.Category != "system" || rec.Level != domain.LevelError {
		t.Errorf("record = %+v, want system/error", rec)
	}
	if rec.Context["event"] != "calendar.changed" {
		t.Errorf("event = %v, want calendar.changed", rec.Context["event"])
	}
}

func TestSink_FailingTelemetrySubscriberDoesNotLoop(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	// A subscriber of error broadcasts that itself fails: the resulting
	// system record must not be re-broadcast back into it.
	p.Bus.Subscribe(EventLogError, func(ctx context.Context, payload any) error {
		return errors.New("consumer broke")
	})
	p.Sink.Error("original failure", nil, "database")

	entries := p.Sink.GetLatestLogs(0)
	// Original record plus exactly one handler-failure record.
	if len(entries) != 2 {
		t.Fatalf("ring entries = %d, want 2", len(entries))
	}
}

func TestSink_NoiseFilters(t *testing.T) {
	p := newTestPipeline(t, Config{Production: true}, nil, nil)

	p.Sink.Info("GET /assets/app.css", nil, "http")
	p.Sink.Info("GET /static/logo.svg 200", map[string]any{"path": "/static/logo.svg"}, "request")
	p.Sink.Debug("cache miss detail", nil, "database")
	p.Sink.TrackMetric("parse_duration_ms", 3, nil)

	p.Sink.Info("calendar module registered", nil, "module")
	p.Sink.Info("calendar module registered", nil, "module")

	entries := p.Sink.GetLatestLogs(0)
	if len(entries) != 1 {
		t.Fatalf("ring entries = %d, want 1 (first module notice only)", len(entries))
	}
	rec := entries[0].(*domain.Record)
	if rec.Category != "module" {
		t.Errorf("survivor = %+v, want the module notice", rec)
	}
}

func TestSink_GetLatestLogsOrderAndLimit(t *testing.T) {
	clock := newFakeClock()
	p := newTestPipeline(t, Config{DedupWindow: time.Millisecond}, nil, nil)
	p.Sink.now = clock.now

	for i := 0; i < 5; i++ {
		clock.advance(time.Second)
		p.Sink.Info(fmt.Sprintf("message %d", i), nil, "module")
	}

	latest := p.Sink.GetLatestLogs(3)
	if len(latest) != 3 {
		t.Fatalf("len = %d, want 3", len(latest))
	}
	for i, e := range latest {
		want := fmt.Sprintf("message %d", 4-i)
		if got := e.(*domain.Record).Message; got != want {
			t.Errorf("latest[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestSink_ContextSanitizedBeforeBroadcast(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	var got *domain.Record
	unsubscribe, _ := p.Sink.SubscribeToLogs(func(rec *domain.Record) { got = rec })
	defer unsubscribe()

	p.Sink.Error("auth failed", map[string]any{"apiToken": "sk-123", "user": "a"}, "auth")

	if got == nil {
		t.Fatal("no broadcast")
	}
	if got.Context["apiToken"] != "[redacted]" {
		t.Errorf("apiToken = %v, want [redacted]", got.Context["apiToken"])
	}
}

func TestSink_ScopedBroadcast(t *testing.T) {
	p := newTestPipeline(t, Config{}, nil, nil)

	var forA, global int
	p.Bus.Subscribe(EventLogError, func(ctx context.Context, payload any) error {
		forA++
		return nil
	}, eventbus.WithUserID("user-a"))
	p.Bus.Subscribe(EventLogError, func(ctx context.Context, payload any) error {
		global++
		return nil
	})

	p.Sink.Error("b's failure", nil, "mail", WithUserID("user-b"))
	p.Sink.Error("a's failure", nil, "mail", WithUserID("user-a"))

	if forA != 1 {
		t.Errorf("scoped listener deliveries = %d, want 1", forA)
	}
	if global != 2 {
		t.Errorf("global listener deliveries = %d, want 2", global)
	}
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	p := newTestPipeline(t, Config{
		SampleInterval: time.Millisecond,
		TrendInterval:  time.Millisecond,
		SweepInterval:  time.Millisecond,
	}, nil, nil)
	ratio := 0.10
	setUsage(p.guardian, &ratio)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestPipeline_RunEmitsTransitionNotices(t *testing.T) {
	p := newTestPipeline(t, Config{
		SampleInterval: time.Millisecond,
		TrendInterval:  time.Hour,
		SweepInterval:  time.Hour,
	}, nil, nil)
	ratio := 0.97
	setUsage(p.guardian, &ratio)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Sink.guardian.Emergency() {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !p.Sink.guardian.Emergency() {
		t.Fatal("guardian never entered emergency mode")
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(p.Sink.GetLatestLogs(0)) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	entries := p.Sink.GetLatestLogs(0)
	if len(entries) == 0 {
		t.Fatal("no transition notice recorded")
	}
	if rec := entries[0].(*domain.Record); rec.Category != "memory" {
		t.Errorf("notice category = %q, want memory", rec.Category)
	}
}

var _ producer.Producer = (*memProducer)(nil)
var _ repository.Repository = (*mockRepo)(nil)
