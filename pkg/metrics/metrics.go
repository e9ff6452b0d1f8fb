// Package metrics holds the Prometheus collectors for the distribution
// layer. Timing of document assembly is applied as an explicit decorator at
// construction time (assembler.Instrument), never by patching a shared
// instance at runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tldraw_messages_appended_total",
		Help: "Update/awareness messages appended to document streams.",
	})
	CompactionRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tldraw_compaction_runs_total",
		Help: "Compaction tasks processed by the worker.",
	})
	CompactionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tldraw_compaction_errors_total",
		Help: "Compaction tasks that failed and were left for reclaim.",
	})
	StreamsCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tldraw_streams_cleared_total",
		Help: "Empty document streams deleted by the worker.",
	})
	CausalGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tldraw_causal_gaps_detected_total",
		Help: "Document assemblies that observed pending (causally gapped) updates.",
	})
	SweepEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tldraw_sweep_tasks_enqueued_total",
		Help: "Compaction markers re-enqueued by the scheduled sweep.",
	})
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tldraw_active_stream_subscriptions",
		Help: "Stream keys with at least one live local subscriber.",
	})
	GetDocDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tldraw_get_doc_duration_seconds",
		Help:    "Latency of full document reconstruction (snapshot + stream tail).",
		Buckets: prometheus.DefBuckets,
	})
)
