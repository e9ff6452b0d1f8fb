// Package app wires configuration, Redis, storage, the compaction worker,
// and the admin HTTP surface into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/internal/sweep"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/assembler"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/bus"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/config"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage/s3storage"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/worker"
)

// App encapsulates the worker-process components and lifecycle.
type App struct {
	cfg     config.Config
	version string

	rdb    *redis.Client
	bus    *bus.RedisMessageBus
	store  storage.DocumentStorage
	worker *worker.Worker

	srv *http.Server
}

// New initializes resources that do not require a running context: the
// Redis client, the storage backend, the bus, and the worker. Call Run to
// start the loops and block until shutdown.
func New(ctx context.Context, cfg config.Config, version string) (*App, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	messageBus := bus.New(rdb, cfg.Redis.Prefix)
	docs := assembler.Instrument(assembler.New(messageBus, store, cfg.Redis.Prefix))
	w := worker.New(messageBus, docs, store, worker.Config{
		Prefix:             cfg.Redis.Prefix,
		Debounce:           cfg.Worker.Debounce.Duration(),
		ClaimCount:         cfg.Worker.ClaimCount,
		IdleSleep:          cfg.Worker.IdleSleep.Duration(),
		MinMessageLifetime: cfg.Worker.MinMessageLifetime.Duration(),
		RatePerSecond:      cfg.Worker.RatePerSecond,
	})

	return &App{cfg: cfg, version: version, rdb: rdb, bus: messageBus, store: store, worker: w}, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.DocumentStorage, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("storage_backend_memory")
		return storage.NewMemory(), nil
	case "pebble":
		logger.Info("storage_backend_pebble", "path", cfg.Pebble.Path)
		return storage.OpenPebble(cfg.Pebble.Path)
	case "s3":
		logger.Info("storage_backend_s3", "bucket", cfg.S3.Bucket, "endpoint", cfg.S3.Endpoint)
		return s3storage.New(ctx, s3storage.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Run starts the sweep scheduler, the HTTP listeners, and the worker loop,
// and blocks until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	stopSweep, err := sweep.Start(ctx, a.bus, a.cfg.Sweep.Enabled, a.cfg.Sweep.Cron)
	if err != nil {
		return err
	}
	defer a.close()
	defer stopSweep()
	defer a.stopHTTP()

	errCh := a.startHTTP(ctx)
	a.startHealthProbe(ctx)

	workerDone := make(chan error, 1)
	go func() { workerDone <- a.worker.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	case err := <-workerDone:
		return err
	}
}

func (a *App) stopHTTP() {
	if a.srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(shutdownCtx)
}

func (a *App) close() {
	if err := a.store.Destroy(); err != nil {
		logger.Error("storage_close_failed", "error", err)
	}
	if err := a.bus.Destroy(); err != nil {
		logger.Error("bus_close_failed", "error", err)
	}
	logger.Info("app_stopped")
}
