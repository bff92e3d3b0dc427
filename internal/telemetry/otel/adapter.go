package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"officemate/backend/internal/telemetry/domain"
	"officemate/backend/internal/telemetry/producer"
)

// recordLogger is the subset of otellog.Logger the producer needs; tests
// substitute a capture implementation.
type recordLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewProducer returns a Producer that forwards log and metric entries as
// OTel log records through the given LoggerProvider. A nil provider yields
// a no-op producer.
func NewProducer(provider *sdklog.LoggerProvider) producer.Producer {
	if provider == nil {
		return producer.Noop{}
	}
	return &otelProducer{logger: provider.Logger("officemate.telemetry")}
}

// newProducerWithLogger is the test seam for capturing emitted records.
func newProducerWithLogger(logger recordLogger) producer.Producer {
	return &otelProducer{logger: logger}
}

type otelProducer struct {
	logger recordLogger
}

// Emit converts the entry to an OTel log record and emits it. Best effort;
// export failures surface through the SDK's batch processor, not here.
func (p *otelProducer) Emit(ctx context.Context, entry domain.Entry) error {
	if entry == nil {
		return nil
	}
	var rec otellog.Record
	switch e := entry.(type) {
	case *domain.Record:
		rec = logRecord(e)
	case *domain.Metric:
		rec = metricRecord(e)
	default:
		return nil
	}
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	p.logger.Emit(ctx, rec)
	return nil
}

func (p *otelProducer) Close() error { return nil }

func logRecord(r *domain.Record) otellog.Record {
	var rec otellog.Record
	if !r.Timestamp.IsZero() {
		rec.SetTimestamp(r.Timestamp)
	}
	rec.SetSeverity(severityFor(r.Level))
	rec.SetSeverityText(string(r.Level))
	rec.SetBody(otellog.StringValue(r.Message))
	if r.Category != "" {
		rec.AddAttributes(otellog.String("category", r.Category))
	}
	if r.ID != "" {
		rec.AddAttributes(otellog.String("record_id", r.ID))
	}
	if r.TraceID != "" {
		rec.AddAttributes(otellog.String("trace_id", r.TraceID))
	}
	if r.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", r.UserID))
	}
	if r.DeviceID != "" {
		rec.AddAttributes(otellog.String("device_id", r.DeviceID))
	}
	if len(r.Context) > 0 {
		if raw, err := json.Marshal(r.Context); err == nil {
			rec.AddAttributes(otellog.String("context", string(raw)))
		}
	}
	return rec
}

func metricRecord(m *domain.Metric) otellog.Record {
	var rec otellog.Record
	if !m.Timestamp.IsZero() {
		rec.SetTimestamp(m.Timestamp)
	}
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue(m.Name))
	rec.AddAttributes(
		otellog.String("entry_type", "metric"),
		otellog.Float64("value", m.Value),
	)
	if m.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", m.UserID))
	}
	if m.DeviceID != "" {
		rec.AddAttributes(otellog.String("device_id", m.DeviceID))
	}
	if len(m.Context) > 0 {
		if raw, err := json.Marshal(m.Context); err == nil {
			rec.AddAttributes(otellog.String("context", string(raw)))
		}
	}
	return rec
}

func severityFor(level domain.Level) otellog.Severity {
	switch level {
	case domain.LevelDebug:
		return otellog.SeverityDebug
	case domain.LevelWarn:
		return otellog.SeverityWarn
	case domain.LevelError:
		return otellog.SeverityError
	default:
		return otellog.SeverityInfo
	}
}
