package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"sports-ingest/internal/api"
	"sports-ingest/internal/api/handler"
	"sports-ingest/internal/collector"
	"sports-ingest/internal/config"
	"sports-ingest/internal/identity"
	"sports-ingest/internal/logging"
	"sports-ingest/internal/orchestrator"
	"sports-ingest/internal/persist"
	"sports-ingest/internal/scheduler"
	"sports-ingest/internal/store"
	"sports-ingest/internal/task"
	"sports-ingest/pkg/router"
)

// backend is what a storage driver provides.
type backend interface {
	persist.Storage
	identity.Store
	handler.RunHistory
	orchestrator.RunRecorder
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	once := flag.Bool("once", false, "run the tasks once, print the report and exit")
	taskList := flag.String("tasks", "", "comma-separated task names for -once (default: all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, cfg, logger, *once, splitNames(*taskList))
	stop()
	_ = logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, once bool, names []string) int {
	db, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("storage: open failed", zap.Error(err))
		return 2
	}

	var (
		storage  persist.Storage
		idStore  identity.Store = identity.NewMemoryStore()
		history  handler.RunHistory
		recorder orchestrator.RunRecorder
	)
	if db != nil {
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("storage: close failed", zap.Error(err))
			}
		}()
		storage, idStore, history, recorder = db, db, db, db
	} else {
		logger.Info("storage: no driver configured, records will not be persisted")
		runs := store.NewRunLog(100)
		history, recorder = runs, runs
	}

	ids := identity.NewService(idStore, logger)
	orch := orchestrator.New(task.NewRegistry(),
		persist.NewRouter(cfg.Routing, storage, ids, logger),
		orchestrator.Options{MaxConcurrency: cfg.Orchestrator.MaxConcurrency, Recorder: recorder, Logger: logger})

	for _, def := range cfg.Tasks {
		if !def.IsEnabled() {
			logger.Info("task disabled", zap.String("task", def.Name))
			continue
		}
		t, err := collector.Build(def, logger)
		if err != nil {
			logger.Error("task: build failed", zap.String("task", def.Name), zap.Error(err))
			return 2
		}
		orch.Register(t)
	}

	orch.InitializeAll(ctx)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout.D())
		defer cancel()
		orch.CleanupAll(cleanupCtx)
	}()

	if once {
		report := orch.Run(ctx, names)
		out, _ := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if len(report.Failed()) > 0 {
			return 1
		}
		return 0
	}

	loops := make([]scheduler.LoopConfig, 0, len(cfg.Scheduler.Loops))
	for _, l := range cfg.Scheduler.Loops {
		loops = append(loops, scheduler.LoopConfig{
			Name:         l.Name,
			Interval:     l.Interval.D(),
			ErrorBackoff: l.ErrorBackoff.D(),
			Tasks:        cfg.LoopTasks(l.Name),
		})
	}
	sched := scheduler.New(orch, loops, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler: start failed", zap.Error(err))
		return 1
	}

	apiDone := make(chan error, 1)
	if cfg.API.Addr != "" {
		h := handler.New(handler.Deps{
			Context:             ctx,
			Runner:              orch,
			History:             history,
			Schedule:            sched,
			Mappings:            ids,
			ManualRunsPerMinute: cfg.API.ManualRunsPerMinute,
			Logger:              logger,
		})
		r := router.New(logger)
		api.RegisterRoutes(r, h)
		go func() { apiDone <- r.Serve(ctx, cfg.API.Addr, 5*time.Second) }()
	}

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-apiDone:
		if err != nil {
			logger.Error("http: server failed", zap.Error(err))
			code = 1
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout.D())
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		if errors.Is(err, scheduler.ErrShutdownTimeout) {
			logger.Warn("shutdown: exiting with loops still running", zap.Error(err))
		} else {
			logger.Error("shutdown: scheduler stop failed", zap.Error(err))
		}
	}
	return code
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.OpenSQLite(cfg.SQLitePath, logger)
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return store.OpenPostgres(connectCtx, store.PostgresConfig{
			DSN:        cfg.PostgresDSN,
			MaxConns:   cfg.PostgresMaxConns,
			ViaBouncer: cfg.PostgresViaBouncer,
		}, logger)
	}
	return nil, nil
}

func splitNames(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
