// Package main is the entry point for the caseflow daemon. It loads
// workflow definitions, wires the execution engine to its datastore and
// notifier, and serves the read-only admin/audit HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/notify"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	validateOnly := flag.Bool("validate", false, "validate workflow definitions and exit")
	overdueInterval := flag.Duration("overdue-interval", time.Minute, "how often to report overdue tasks (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	if *validateOnly {
		registry, err := loadRegistry(cfg.Definitions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("%d workflow definitions valid (checksum %s)\n", registry.Len(), registry.Checksum())
		return 0
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflowd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	registry, err := loadRegistry(cfg.Definitions)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	store, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	notifier, closeNotifier, err := notify.FromConfig(cfg.Notifier, logger, metrics)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			logger.Warn("notifier close failed", zap.Error(err))
		}
	}()

	engine := workflow.NewEngine(registry, store,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithNotifier(notifier),
		workflow.WithEngineConfig(cfg.Engine),
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:   cfg,
		Logger:   logger,
		Audit:    engine,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			Store:             store,
			Notifier:          notifier,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if *overdueInterval > 0 {
		go runOverdueReporter(bgCtx, store, *overdueInterval, logger)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("definitions_checksum", registry.Checksum()),
		zap.String("store", cfg.Store.Driver),
		zap.String("notifier", cfg.Notifier.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// overdueLister is the slice of the datastore the overdue reporter needs.
type overdueLister interface {
	OverdueTasks(ctx context.Context, cutoff time.Time) ([]model.PendingTask, error)
}

// runOverdueReporter periodically logs tasks that are past their due time.
// It never changes workflow state; escalation is left to the caller's
// scheduler.
func runOverdueReporter(ctx context.Context, store overdueLister, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reportOverdue(ctx, store, now, logger)
		}
	}
}

func reportOverdue(ctx context.Context, store overdueLister, now time.Time, logger *zap.Logger) int {
	tasks, err := store.OverdueTasks(ctx, now.UTC())
	if err != nil {
		logger.Error("overdue task scan failed", zap.Error(err))
		return 0
	}
	for _, t := range tasks {
		logger.Warn("task overdue",
			zap.String("task_id", t.ID),
			zap.String("instance_id", t.InstanceID),
			zap.String("step_id", t.StepID),
			zap.String("assignee_role", t.AssigneeRole),
			zap.String("assignee_user", t.AssigneeUserID),
			zap.Timep("due_at", t.DueAt),
		)
	}
	return len(tasks)
}
