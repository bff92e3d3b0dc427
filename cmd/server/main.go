// Server runs the telemetry pipeline and serves Prometheus metrics.
// Persistence, Kafka, and OTLP export are each enabled only when their
// configuration (DATABASE_URL, KAFKA_BROKERS, OTLP_ENDPOINT) is set.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"officemate/backend/internal/config"
	"officemate/backend/internal/db"
	"officemate/backend/internal/eventbus"
	"officemate/backend/internal/telemetry"
	otelsetup "officemate/backend/internal/telemetry/otel"
	"officemate/backend/internal/telemetry/producer"
	"officemate/backend/internal/telemetry/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var repo repository.Repository
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer pool.Close()
		repo = repository.NewPostgresRepository(pool)
	}

	providers, err := otelsetup.NewProviders(ctx, cfg.OTLPEndpoint, "officemate-backend", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	kafkaProd, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.KafkaTopic)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}

	prod := producer.NewFanout(
		otelsetup.NewProducer(providers.LoggerProvider),
		kafkaProd,
	)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	bus := eventbus.New()
	registry.MustRegister(telemetry.NewBusCollector(bus))
	pipeline, err := telemetry.New(cfg.Telemetry(), bus, repo, prod, metrics)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	go pipeline.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	pipeline.Sink.Info("telemetry pipeline started", map[string]any{"env": cfg.Env}, "server")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	cancel()

	pipeline.Sink.Drain(telemetry.ShutdownDrainDuration)
	if err := prod.Close(); err != nil {
		log.Printf("producer close: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("stopped")
}
