package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/logging"
	"github.com/rendis/conduit/internal/scheduler"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/tools"
	"github.com/rendis/conduit/pkg/mcp"
)

func main() {
	var (
		storeKind   = flag.String("store", "memory", "persistence backend: memory or libsql")
		dbPath      = flag.String("db", "conduit.db", "database file path (libsql store)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		maxInFlight = flag.Int("max-in-flight", 0, "default per-execution concurrency bound")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	if err := run(logger, *storeKind, *dbPath, *maxInFlight); err != nil {
		logger.Error("conduit exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, storeKind, dbPath string, maxInFlight int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, storeKind, dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	executor, err := engine.NewExecutor(engine.ExecutorConfig{Logger: logger})
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	if err := executor.Tools().Register(tools.NewHTTPTool(tools.NewHTTPClient(tools.HTTPClientConfig{}))); err != nil {
		return fmt.Errorf("register http tool: %w", err)
	}

	orchestrator, err := engine.New(engine.Config{
		Definitions: st,
		History:     st,
		Executor:    executor,
		Logger:      logger,
		MaxInFlight: maxInFlight,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	sched := scheduler.New(orchestrator, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := mcp.NewConduitServer(mcp.ConduitServerDeps{
		Orchestrator: orchestrator,
		Scheduler:    sched,
		Logger:       logger,
	})

	logger.Info("conduit started", "store", storeKind, "transport", "stdio")
	serveErr := srv.Serve(ctx)

	// Unwind: stop accepting scheduled runs, then drain live executions.
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", "error", err)
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	logger.Info("conduit stopped")
	return nil
}

func openStore(ctx context.Context, kind, dbPath string) (store.Store, error) {
	switch kind {
	case "memory":
		return store.NewMemoryStore(), nil
	case "libsql":
		s, err := store.NewLibSQLStore("file:" + dbPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
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
	// Stdout carries the MCP stdio transport; logs go to stderr.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
