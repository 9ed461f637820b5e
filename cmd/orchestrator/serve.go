package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/probe-orchestrator/internal/config"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/server"
	"github.com/jonathan/probe-orchestrator/internal/worker"
)

var (
	servePort    int
	serveMigrate bool
	serveNoAPI   bool
	serveNoWork  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, the worker pool and the recovery scanner",
	Long: `Starts the HTTP API, one worker consumer per enabled provider queue plus the
summarize queue, and the periodic orphaned-run recovery scanner.

Environment Variables:
  DATABASE_URL  PostgreSQL connection string (required)
  JWT_SECRET    Secret for API bearer tokens (unset disables authentication)
  PORT          Server port (default: 8080)`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply the schema before starting")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Run workers and recovery without the HTTP API")
	serveCmd.Flags().BoolVar(&serveNoWork, "no-workers", false, "Serve the API without consuming jobs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Port = servePort
	}
	logger := logging.Component("serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveMigrate {
		if err := a.migrate(ctx); err != nil {
			return err
		}
		logger.Info().Msg("schema applied")
	}

	var pool *worker.Pool
	if !serveNoWork {
		pool, err = startWorkers(ctx, a, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := pool.Stop(); err != nil {
				logger.Warn().Err(err).Msg("worker pool stop")
			}
		}()

		if err := a.scanner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start recovery scanner: %w", err)
		}
		defer func() {
			if err := a.scanner.Stop(); err != nil {
				logger.Warn().Err(err).Msg("recovery scanner stop")
			}
		}()
	}

	if serveNoAPI {
		logger.Info().Msg("running without API, waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	srv, err := server.New(server.Config{
		Port:            cfg.Port,
		JWT:             loadJWTConfig(),
		ShutdownTimeout: 30 * time.Second,
	}, server.Services{
		Runs:      a.runs,
		Progress:  a.tracker,
		Recovery:  a.scanner,
		Providers: a.dispatcher,
		Health:    a.db,
		Gatherer:  a.registry,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// startWorkers wires the probe and summarize handlers, creates the provider queues and
// starts consuming
func startWorkers(ctx context.Context, a *app, cfg *config.Config) (*worker.Pool, error) {
	wc := cfg.Workers
	pool := worker.NewPool(worker.PoolConfig{
		PollInterval: time.Duration(wc.PollInterval),
	}, a.queue, a.providers, a.metrics)

	executor := worker.NewSubprocessExecutor(wc.ProbeCommand, wc.SummarizeCommand, time.Duration(wc.Timeout))
	probe := worker.NewProbeHandler(a.db, a.tracker, executor, worker.ProbeConfig{
		Temperature: wc.Temperature,
		MaxTokens:   wc.MaxTokens,
		MaxTurns:    wc.MaxTurns,
	})
	summarize := worker.NewSummarizeHandler(a.db, a.tracker, executor, wc.SummaryModel)

	a.dispatcher.SetRegistrar(worker.NewProbeRegistrar(pool, probe.Handle, probe.HandleExpired))
	if err := a.dispatcher.CreateProviderQueues(ctx); err != nil {
		return nil, err
	}
	if err := a.dispatcher.RegisterProviderQueueHandlers(ctx); err != nil {
		return nil, err
	}
	if err := worker.RegisterSummarizeQueue(pool, summarize.Handle, summarize.HandleExpired, worker.DefaultSummarizeConcurrency); err != nil {
		return nil, err
	}

	if err := pool.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	return pool, nil
}

// loadJWTConfig returns nil when no secret is configured, which serves the API without
// authentication
func loadJWTConfig() *config.JWTConfig {
	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		logger := logging.Component("serve")
		logger.Warn().Err(err).Msg("API authentication disabled")
		return nil
	}
	return jwtCfg
}
