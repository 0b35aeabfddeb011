package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MutationsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_mutations_enqueued_total", Help: "Offline field edits queued"})
	DraftsEnqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_drafts_enqueued_total", Help: "Offline draft entities queued"})
	Reconciles            = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_reconciles_total", Help: "Reconciled entity reads served"})
	CascadeCacheHits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_cascade_cache_hits_total", Help: "Reads served from the snapshot cache after a live fetch failure"})
	CascadePendingOnly    = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_cascade_pending_only_total", Help: "Reads served from a pending draft alone"})
	FetchFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_fetch_failures_total", Help: "Upstream fetch failures absorbed by the cascade"})
	CorruptDraftsSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_corrupt_drafts_total", Help: "Corrupt queued drafts skipped during reads"})
	CorruptEntriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_corrupt_updates_total", Help: "Corrupt queued edits skipped during reads"})
	FlushSuccess          = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_flush_success_total", Help: "Queue entries acknowledged upstream and cleared"})
	FlushFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_flush_failures_total", Help: "Flush attempts that failed and will retry"})
	FlushDeadLetter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_flush_dead_letter_total", Help: "Queue entries parked after exhausting attempts"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "riskmate_rate_limit_rejects_total", Help: "Edit submissions rejected by the device rate limiter"})
	PendingDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "riskmate_pending_depth", Help: "Queued edits and drafts awaiting flush"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MutationsEnqueued,
			DraftsEnqueued,
			Reconciles,
			CascadeCacheHits,
			CascadePendingOnly,
			FetchFailures,
			CorruptDraftsSkipped,
			CorruptEntriesSkipped,
			FlushSuccess,
			FlushFailures,
			FlushDeadLetter,
			RateLimitRejects,
			PendingDepthGauge,
		)
	})
	return promhttp.Handler()
}
