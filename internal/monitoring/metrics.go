package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	RecordsSeen     prometheus.Counter
	RecordsUpserted prometheus.Counter
	RecordsRejected *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	AuthAttempts    prometheus.Counter
	BatchesTotal    *prometheus.CounterVec
	RunDuration     prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		RecordsSeen: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sales_ingest_records_seen_total",
			Help: "Rows scraped from the portal listing",
		}),
		RecordsUpserted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sales_ingest_records_upserted_total",
			Help: "Rows written to the sales table",
		}),
		RecordsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sales_ingest_records_rejected_total",
			Help: "Rows skipped during extraction or normalization",
		}, []string{"reason"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sales_ingest_errors_total",
			Help: "Stage-level errors encountered",
		}, []string{"stage"}),
		AuthAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sales_ingest_auth_attempts_total",
			Help: "Portal login attempts, including re-authentication",
		}),
		BatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sales_ingest_batches_total",
			Help: "Persistence batches by outcome",
		}, []string{"status"}), // committed, failed
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sales_ingest_run_duration_seconds",
			Help:    "Wall-clock duration of a full pipeline run",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800},
		}),
	}
}
