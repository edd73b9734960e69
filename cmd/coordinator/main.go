// Command coordinator runs the C3-C7 orchestrator components and the
// external HTTP/JSON-RPC interface described in §6: task and repository
// CRUD, workspace leasing, the worker pool RPC surface, the secrets
// envelope, and the log stream hub.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/delidev/core/internal/api"
	"github.com/delidev/core/internal/common/config"
	"github.com/delidev/core/internal/common/logger"
	"github.com/delidev/core/internal/common/tracing"
	"github.com/delidev/core/internal/db"
	"github.com/delidev/core/internal/db/dialect"
	"github.com/delidev/core/internal/events/bus"
	"github.com/delidev/core/internal/orchestrator/lifecycle"
	"github.com/delidev/core/internal/orchestrator/scheduler"
	"github.com/delidev/core/internal/orchestrator/streaming"
	"github.com/delidev/core/internal/secrets"
	"github.com/delidev/core/internal/store"
	"github.com/delidev/core/internal/store/memory"
	"github.com/delidev/core/internal/store/sqlite"
	"github.com/delidev/core/internal/worker"
	"github.com/delidev/core/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	taskStore, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	eventBus, err := openEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("open event bus: %w", err)
	}
	defer eventBus.Close()

	workers := worker.NewRegistry(log)
	sched := scheduler.New(taskStore, workers, log, scheduler.DefaultConfig())
	secretsSvc := secrets.NewService(cfg.Secrets.ClockSkew(), log)
	lifecycleCtl := lifecycle.New(taskStore, sched, secretsSvc, log)

	wsManager, err := workspace.NewManager(workspace.Config{
		BasePath:       cfg.Worktree.BasePath,
		PlanningSubdir: "planning",
		SweepInterval:  cfg.Worktree.SweepInterval(),
		BranchPrefix:   "delidev/",
	}, taskStore, taskStore, log)
	if err != nil {
		return fmt.Errorf("init workspace manager: %w", err)
	}

	hub := streaming.NewHub(eventBus, log)

	srv := api.New(taskStore, lifecycleCtl, sched, workers, secretsSvc, wsManager, hub, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go hub.Run(ctx)
	go wsManager.Start(ctx)
	workers.Start(ctx, 15*time.Second)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown did not complete cleanly", zap.Error(err))
	}
	sched.Stop()
	workers.Stop()
	wsManager.Stop()

	tracingShutdownCtx, tracingShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracingShutdownCancel()
	if err := tracing.Shutdown(tracingShutdownCtx); err != nil {
		log.Warn("tracing shutdown did not complete cleanly", zap.Error(err))
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return memory.New(), func() {}, nil

	case "sqlite":
		sqlDB, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		readerDB, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		pool := db.NewPool(sqlxWrap(sqlDB, dialect.SQLite3), sqlxWrap(readerDB, dialect.SQLite3))
		s, err := sqlite.New(context.Background(), pool, dialect.SQLite3)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() { pool.Close() }, nil

	case "postgres":
		dsn := cfg.Database.RawDSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, cfg.Database.SSLMode)
		}
		sqlDB, err := db.OpenPostgres(dsn, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		pool := db.NewPool(sqlxWrap(sqlDB, dialect.PGX), sqlxWrap(sqlDB, dialect.PGX))
		s, err := sqlite.New(context.Background(), pool, dialect.PGX)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() { pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func sqlxWrap(conn *sql.DB, driver string) *sqlx.DB {
	return sqlx.NewDb(conn, driver)
}

func openEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}
