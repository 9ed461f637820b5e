package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jonathan/probe-orchestrator/internal/config"
	"github.com/jonathan/probe-orchestrator/internal/cost"
	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/dispatch"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/progress"
	"github.com/jonathan/probe-orchestrator/internal/providers"
	"github.com/jonathan/probe-orchestrator/internal/queue"
	"github.com/jonathan/probe-orchestrator/internal/recovery"
	"github.com/jonathan/probe-orchestrator/internal/runs"
)

// app holds the wired services shared by the commands
type app struct {
	db         *db.DB
	queue      *queue.Queue
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	providers  *providers.Registry
	dispatcher *dispatch.Dispatcher
	tracker    *progress.Tracker
	runs       *runs.Manager
	scanner    *recovery.Scanner
}

// newApp connects to the database and wires the domain services
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	q := queue.New(database.Pool())
	registry := providers.NewRegistry(database, q, m)
	d := dispatch.New(q, registry, database, m)
	tracker := progress.NewTracker(database, d, q, m)
	manager := runs.NewManager(database, d, q, tracker, cost.NewEstimator(), m)
	scanner := recovery.NewScanner(recovery.Config{
		Interval:    time.Duration(cfg.RecoveryInterval),
		Concurrency: cfg.RecoveryConcurrency,
	}, database, q, d, tracker, m)

	return &app{
		db:         database,
		queue:      q,
		registry:   reg,
		metrics:    m,
		providers:  registry,
		dispatcher: d,
		tracker:    tracker,
		runs:       manager,
		scanner:    scanner,
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

// migrate applies the schema
func (a *app) migrate(ctx context.Context) error {
	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
