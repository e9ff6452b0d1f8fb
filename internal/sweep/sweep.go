// Package sweep periodically re-enqueues a compaction marker for every live
// document stream. It is the safety net for markers lost before their first
// claim (a process crash between stream creation and group delivery);
// duplicate markers are idempotent and tolerated by the worker.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/logger"
	"github.com/hpi-schul-cloud/tldraw-server-sub000/pkg/metrics"
)

// StreamEnumerator is the bus capability the sweep needs.
type StreamEnumerator interface {
	ScanRoomStreams(ctx context.Context) ([]string, error)
	EnqueueCompactionTask(ctx context.Context, streamKey string) error
}

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, bus StreamEnumerator, enabled bool, cronExpr string) (context.CancelFunc, error) {
	if !enabled {
		logger.Info("sweep_disabled")
		return func() {}, nil
	}
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweep_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}

	logger.Info("sweep_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, bus, cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func runScheduler(ctx context.Context, bus StreamEnumerator, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweep_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("sweep_scheduler_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(ctx, bus); err != nil {
				logger.Error("sweep_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("sweep_scheduler_stopping")
			return
		}
	}
}

// RunOnce scans all document streams and enqueues one compaction marker for
// each. Also reachable through the admin trigger.
func RunOnce(ctx context.Context, bus StreamEnumerator) error {
	streams, err := bus.ScanRoomStreams(ctx)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, key := range streams {
		if err := bus.EnqueueCompactionTask(ctx, key); err != nil {
			logger.Warn("sweep_enqueue_failed", "stream", key, "error", err)
			continue
		}
		enqueued++
		metrics.SweepEnqueued.Inc()
	}
	logger.Info("sweep_run_complete", "streams", len(streams), "enqueued", enqueued)
	return nil
}
