package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftsmith/draftsmith/internal/backend"
	"github.com/draftsmith/draftsmith/internal/cache"
	"github.com/draftsmith/draftsmith/internal/checkpoint"
	"github.com/draftsmith/draftsmith/internal/engine"
	"github.com/draftsmith/draftsmith/internal/expressions"
	"github.com/draftsmith/draftsmith/internal/logging"
	"github.com/draftsmith/draftsmith/internal/quality"
	"github.com/draftsmith/draftsmith/internal/scheduler"
	"github.com/draftsmith/draftsmith/internal/store"
	"github.com/draftsmith/draftsmith/internal/validation"
	"github.com/draftsmith/draftsmith/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "draftsmith:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.DataDir, cfg.cacheDir(), cfg.checkpointDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	validator, err := validation.NewPlanValidator()
	if err != nil {
		return fmt.Errorf("compiling plan schema: %w", err)
	}

	client := backend.NewClient(cfg.BackendURL, time.Duration(cfg.BackendTimeout)*time.Second)
	resultCache, err := cache.New(cfg.cacheDir(), logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	checkpoints, err := checkpoint.NewStore(cfg.checkpointDir(), logger)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("building condition engine: %w", err)
	}

	executor := engine.NewStepExecutor(client, checkpoints, logger,
		engine.WithCache(resultCache),
		engine.WithTransforms(expressions.NewGoJQEngine()),
	)
	gate := quality.NewGate(client, logger,
		quality.WithFixer(client),
		quality.WithPredicates(expressions.NewExprEngine()),
	)
	runner := engine.NewRunner(executor, logger,
		engine.WithStore(st),
		engine.WithConditions(celEngine),
		engine.WithGate(gate),
	)

	if cfg.Scheduler {
		trigger := &scheduledRuns{runner: runner, validator: validator, dataDir: cfg.DataDir}
		sched := scheduler.New(st, trigger, logger)
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := mcp.NewDraftServer(mcp.DraftServerDeps{
		Runner:    runner,
		Store:     st,
		Validator: validator,
		Project:   cfg.Project,
		Logger:    logger,
	})

	logger.Info("draftsmith serving on stdio",
		slog.String("version", version),
		slog.String("db", cfg.DBPath),
		slog.String("backend", cfg.BackendURL))
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr: stdout belongs to the MCP transport.
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(base))
}
