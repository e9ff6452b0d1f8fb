// Package worker runs the background compaction loop: claim stale
// compaction tasks, fold each stream's tail into a new snapshot, trim the
// stream, and re-enqueue a "check me again later" marker.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/assembler"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/bus"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/keys"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/metrics"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/storage"
)

// TaskBus is the bus capability set the worker consumes.
type TaskBus interface {
	CreateConsumerGroup(ctx context.Context) error
	ReclaimTasks(ctx context.Context, consumerName string, debounce time.Duration, claimCount int64) ([]bus.Task, error)
	TryClearTask(ctx context.Context, task bus.Task) (int64, error)
	TryDeduplicateTask(ctx context.Context, task bus.Task, lastID keys.RedisID, minMessageLifetime time.Duration, consumerName string) error
	GetDeletedDocEntries(ctx context.Context) ([]bus.DeleteEntry, error)
	DeleteDeleteDocEntry(ctx context.Context, id keys.RedisID) error
}

// Config tunes one worker process.
type Config struct {
	// Prefix is the Redis key prefix; stream keys are decoded against it.
	Prefix string
	// Debounce is how long a task must sit unacknowledged before it may be
	// (re)claimed.
	Debounce time.Duration
	// ClaimCount bounds tasks claimed per cycle.
	ClaimCount int64
	// IdleSleep is the backoff when the queue is empty.
	IdleSleep time.Duration
	// MinMessageLifetime is the window of recent messages kept in a stream
	// after compaction.
	MinMessageLifetime time.Duration
	// RatePerSecond bounds compactions across one process; zero disables
	// the limit.
	RatePerSecond float64
}

// Worker claims and processes compaction tasks until its context ends.
type Worker struct {
	bus      TaskBus
	docs     assembler.DocGetter
	store    storage.DocumentStorage
	cfg      Config
	consumer string
	limiter  *rate.Limiter
}

// New builds a worker with a random consumer identity.
func New(taskBus TaskBus, docs assembler.DocGetter, store storage.DocumentStorage, cfg Config) *Worker {
	if cfg.ClaimCount <= 0 {
		cfg.ClaimCount = 5
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Worker{
		bus:      taskBus,
		docs:     docs,
		store:    store,
		cfg:      cfg,
		consumer: randomConsumerName(),
		limiter:  limiter,
	}
}

// ConsumerName returns this worker's consumer-group identity.
func (w *Worker) ConsumerName() string { return w.consumer }

// Run loops until ctx ends. Transient errors are logged and retried on the
// next cycle; they never terminate the worker.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bus.CreateConsumerGroup(ctx); err != nil {
		return err
	}
	logger.Info("worker_started", "consumer", w.consumer)
	for {
		tasks, err := w.ProcessNextTasks(ctx)
		if ctx.Err() != nil {
			logger.Info("worker_stopping", "consumer", w.consumer)
			return nil
		}
		if err != nil {
			logger.Error("worker_cycle_failed", "error", err)
		}
		if len(tasks) == 0 {
			select {
			case <-time.After(w.cfg.IdleSleep):
			case <-ctx.Done():
				logger.Info("worker_stopping", "consumer", w.consumer)
				return nil
			}
		}
	}
}

// ProcessNextTasks runs one claim-and-compact cycle and returns the tasks it
// claimed. A failing task is logged and left for reclaim after the debounce;
// it does not abort the rest of the cycle.
func (w *Worker) ProcessNextTasks(ctx context.Context) ([]bus.Task, error) {
	tasks, err := w.bus.ReclaimTasks(ctx, w.consumer, w.cfg.Debounce, w.cfg.ClaimCount)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	tombstones, err := w.bus.GetDeletedDocEntries(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]bus.DeleteEntry, len(tombstones))
	for _, e := range tombstones {
		deleted[e.DocName] = e
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task bus.Task) {
			defer wg.Done()
			if err := w.processTask(ctx, task, deleted); err != nil {
				metrics.CompactionErrors.Inc()
				logger.Error("worker_task_failed", "stream", task.Stream, "id", task.ID.String(), "error", err)
				return
			}
			metrics.CompactionRuns.Inc()
		}(task)
	}
	wg.Wait()
	return tasks, nil
}

func (w *Worker) processTask(ctx context.Context, task bus.Task, deleted map[string]bus.DeleteEntry) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	length, err := w.bus.TryClearTask(ctx, task)
	if err != nil {
		return err
	}
	if length == 0 {
		// Empty either because it was never written again or because it was
		// deleted; the tombstone set tells the two apart.
		ent, ok := deleted[task.Stream]
		if !ok {
			return nil
		}
		if err := w.bus.DeleteDeleteDocEntry(ctx, ent.ID); err != nil {
			return err
		}
		room, docID, err := keys.DecodeStreamKey(task.Stream, w.cfg.Prefix)
		if err != nil {
			return err
		}
		logger.Info("worker_deleting_doc", "room", room, "doc", docID)
		return w.store.DeleteDocument(ctx, room, docID)
	}

	room, docID, err := keys.DecodeStreamKey(task.Stream, w.cfg.Prefix)
	if err != nil {
		return err
	}
	assembled, err := w.docs.GetDoc(ctx, room, docID)
	if err != nil {
		return err
	}
	// compaction never needs live awareness
	assembled.Awareness.Destroy()

	lastID := keys.MaxID(assembled.LastID, task.ID)
	_, isDeleted := deleted[task.Stream]

	if assembled.Changed && !isDeleted {
		if err := w.store.PersistDoc(ctx, room, docID, assembled.Doc); err != nil {
			return err
		}
		logger.Debug("worker_snapshot_persisted", "room", room, "doc", docID, "last_id", lastID.String())
	}

	var wg sync.WaitGroup
	var gcErr, dedupErr error
	if assembled.Changed && len(assembled.StoreReferences) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gcErr = w.store.DeleteReferences(ctx, room, docID, assembled.StoreReferences)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		dedupErr = w.bus.TryDeduplicateTask(ctx, task, lastID, w.cfg.MinMessageLifetime, w.consumer)
	}()
	wg.Wait()
	if gcErr != nil {
		return gcErr
	}
	return dedupErr
}

func randomConsumerName() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "worker-" + hex.EncodeToString(b[:])
}
