package closet

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only registered once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of closet metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the closet.
type Metrics struct {
	// Sync metrics
	BlobsDownloaded prometheus.Counter     // skycloset_blobs_downloaded_total
	BytesDownloaded prometheus.Counter     // skycloset_bytes_downloaded_total
	SyncRuns        *prometheus.CounterVec // skycloset_sync_runs_total{status}

	// Reconciliation metrics
	ReconcileRuns    *prometheus.CounterVec // skycloset_reconcile_runs_total{mode}
	OrphansReclaimed prometheus.Counter     // skycloset_orphans_reclaimed_total
	TrueOrphans      prometheus.Gauge       // skycloset_true_orphans

	// Storage metrics
	PresentBytes prometheus.Gauge // skycloset_present_bytes
}

// InitMetrics initializes all closet metrics. Metrics are only registered
// once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			BlobsDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "skycloset_blobs_downloaded_total",
				Help: "Total blobs downloaded into the vault",
			}),
			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "skycloset_bytes_downloaded_total",
				Help: "Total payload bytes downloaded",
			}),
			SyncRuns: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "skycloset_sync_runs_total",
				Help: "Sync runs by terminal status",
			}, []string{"status"}),

			ReconcileRuns: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "skycloset_reconcile_runs_total",
				Help: "Reconciliation runs by mode (audit or fix)",
			}, []string{"mode"}),
			OrphansReclaimed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "skycloset_orphans_reclaimed_total",
				Help: "Soft orphans physically reclaimed",
			}),
			TrueOrphans: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "skycloset_true_orphans",
				Help: "True orphans found by the last reconciliation",
			}),

			PresentBytes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "skycloset_present_bytes",
				Help: "Bytes of logically present blobs",
			}),
		}
	})
	return metricsInstance
}
