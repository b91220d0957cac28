// Command workflowd runs one process of the distributed workflow engine:
// it campaigns for scheduler leadership, runs a consumer pool per
// configured task type, and serves the admin HTTP surface. Multiple
// instances share one coordinator (NATS JetStream KV in production, an
// embedded bbolt database for single-node deployments) and together form
// the cluster.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Nirmata/workflow/internal/adminapi"
	"github.com/Nirmata/workflow/internal/cleaner"
	"github.com/Nirmata/workflow/internal/coordinator"
	"github.com/Nirmata/workflow/internal/coordinator/boltkv"
	"github.com/Nirmata/workflow/internal/coordinator/natskv"
	"github.com/Nirmata/workflow/internal/executor"
	"github.com/Nirmata/workflow/internal/logging"
	"github.com/Nirmata/workflow/internal/manager"
	"github.com/Nirmata/workflow/internal/otelinit"
	"github.com/Nirmata/workflow/internal/resultcache"
	"github.com/Nirmata/workflow/internal/scheduler"
	"github.com/Nirmata/workflow/internal/store"
	"github.com/Nirmata/workflow/internal/types"
)

func main() {
	const service = "workflowd"
	logger := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics := otelinit.InitMetrics(ctx, service)

	client, closeClient, err := openCoordinator(ctx, logger)
	if err != nil {
		logger.Error("coordinator init failed", "error", err)
		os.Exit(1)
	}
	defer closeClient()

	st := store.New(client)

	var cache *resultcache.Cache
	if path := os.Getenv("WORKFLOW_RESULTCACHE_PATH"); path != "" {
		cache, err = resultcache.Open(path, st, resultcache.Options{})
		if err != nil {
			logger.Warn("result cache init failed, continuing without it", "error", err)
			cache = nil
		}
	}

	var cacheInvalidator cleaner.Invalidator
	if cache != nil {
		cacheInvalidator = cache
	}
	clean := cleaner.New(st, cleaner.MinAge(minAge()), cacheInvalidator, logger)

	registry := executor.NewBuiltinRegistry(st, nil)

	mgr := manager.New(manager.Config{
		InstanceName: instanceName(),
		Client:       client,
		TaskTypes: []manager.TaskTypeConfig{
			{TaskType: executor.TaskTypeHTTP, Executor: lookup(registry, executor.TaskTypeHTTP), Consumers: envInt("WORKFLOW_HTTP_CONSUMERS", 4)},
			{TaskType: executor.TaskTypePolicy, Executor: lookup(registry, executor.TaskTypePolicy), Consumers: envInt("WORKFLOW_POLICY_CONSUMERS", 2)},
			{TaskType: executor.TaskTypeShell, Executor: lookup(registry, executor.TaskTypeShell), Consumers: envInt("WORKFLOW_SHELL_CONSUMERS", 2)},
		},
		SchedulerConfig: scheduler.Config{
			CronSpec:   envOr("WORKFLOW_SCHEDULER_CRON", "@every 2s"),
			OnTick:     clean.Tick,
			OnTickSpec: envOr("WORKFLOW_CLEANER_CRON", "@every 5m"),
		},
		QueueShards: envInt("WORKFLOW_QUEUE_SHARDS", 1),
		ResultCache: cache,
		Logger:      logger,
	})

	if err := mgr.Start(ctx); err != nil {
		logger.Error("manager start failed", "error", err)
		os.Exit(1)
	}

	signingKey := []byte(os.Getenv("WORKFLOW_ADMIN_JWT_SECRET"))
	admin := adminapi.NewServer(mgr, signingKey, logger)
	read, write, idle := adminapi.NewServerTimeouts()
	srv := &http.Server{
		Addr:         ":" + envOr("WORKFLOW_ADMIN_PORT", "8090"),
		Handler:      admin.Handler(),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}

	go func() {
		logger.Info("admin api starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api server error", "error", err)
			cancel()
		}
	}()

	logger.Info("workflowd started", "instance", instanceName())
	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = mgr.Close()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

func openCoordinator(ctx context.Context, logger *slog.Logger) (coordinator.Client, func(), error) {
	if natsURL := os.Getenv("WORKFLOW_NATS_URL"); natsURL != "" {
		client, err := natskv.Connect(ctx, natsURL, natskv.Options{Bucket: envOr("WORKFLOW_NATS_BUCKET", "workflow-coordinator")})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("coordinator backend", "kind", "natskv", "url", natsURL)
		return client, func() { _ = client.Close() }, nil
	}

	path := envOr("WORKFLOW_BOLT_PATH", "./workflow.db")
	client, err := boltkv.Open(path, instanceName(), boltkv.Options{})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("coordinator backend", "kind", "boltkv", "path", path)
	return client, func() { _ = client.Close() }, nil
}

// lookup resolves a built-in TaskType's executor; the three registered by
// executor.NewBuiltinRegistry are always present, so a miss here is a
// wiring bug rather than a runtime condition to handle gracefully.
func lookup(r *executor.Registry, tt types.TaskType) executor.TaskExecutor {
	e, ok := r.Lookup(tt)
	if !ok {
		panic("workflowd: built-in executor not registered for " + tt.Name)
	}
	return e
}

func instanceName() string {
	if v := os.Getenv("WORKFLOW_INSTANCE_NAME"); v != "" {
		return v
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "workflowd"
	}
	return host
}

func minAge() time.Duration {
	if v := os.Getenv("WORKFLOW_CLEANER_MIN_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 24 * time.Hour
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
