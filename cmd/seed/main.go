// seed drives sample traffic through an in-memory pipeline for local testing.
// It fires an error storm plus a spread of normal records, then prints the
// bus counters and the surviving ring contents so throttling and dedup
// behavior can be inspected without a running collector.
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"officemate/backend/internal/config"
	"officemate/backend/internal/eventbus"
	"officemate/backend/internal/telemetry"
	"officemate/backend/internal/telemetry/domain"
	"officemate/backend/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	bus := eventbus.New()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	pipeline, err := telemetry.New(cfg.Telemetry(), bus, nil, producer.Noop{}, metrics)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	sink := pipeline.Sink

	// Identical errors in a tight burst. The throttle admits the first
	// threshold's worth and dedup collapses the survivors to one record.
	for i := 0; i < 50; i++ {
		sink.Error("GetCalendarView: 503 - Service Unavailable", map[string]any{
			"endpoint": "/me/calendarView",
			"status":   503,
		}, "graph")
	}

	// Distinct records across categories and levels all pass through.
	sink.Info("mailbox sync completed", map[string]any{"folders": 12}, "sync")
	sink.Warn("slow query", map[string]any{"duration_ms": 740}, "database")
	sink.Debug("request served", map[string]any{"path": "/api/events"}, "http")
	sink.Error("token refresh failed", map[string]any{"code": "invalid_grant"}, "auth")
	sink.TrackMetric("seed_batch_size", 54, nil)

	sink.Drain(2 * time.Second)

	stats := bus.Stats()
	fmt.Printf("emitted=%d delivered=%d skipped=%d handler_failures=%d\n",
		stats.Emitted, stats.Delivered, stats.Skipped, stats.HandlerFailures)

	fmt.Println("ring contents (newest first):")
	for _, entry := range sink.GetLatestLogs(0) {
		rec, ok := entry.(*domain.Record)
		if !ok {
			continue
		}
		fmt.Printf("  [%s] %-8s %s\n", rec.Level, rec.Category, rec.Message)
	}
}
