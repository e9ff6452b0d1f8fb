package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/assembler"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/bus"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/config"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/worker"
)

// Run must release its resources on every exit path, including a fatal
// worker error. An unreachable Redis address makes the worker loop fail
// fast on consumer-group creation; afterwards the client must be closed.
func TestRunClosesResourcesOnWorkerFailure(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	messageBus := bus.New(rdb, "y")
	store := storage.NewMemory()
	docs := assembler.Instrument(assembler.New(messageBus, store, "y"))
	w := worker.New(messageBus, docs, store, worker.Config{Prefix: "y"})

	cfg := config.Config{}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MaxBody = config.SizeBytes(1 << 20)

	a := &App{cfg: cfg, rdb: rdb, bus: messageBus, store: store, worker: w}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err == nil {
		t.Fatal("worker failure must surface from Run")
	}
	if err := rdb.Ping(context.Background()).Err(); !errors.Is(err, redis.ErrClosed) {
		t.Fatalf("redis client must be closed after Run, got %v", err)
	}
}
