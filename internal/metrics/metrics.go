// Package metrics provides Prometheus metrics for the castella gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all castella metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds all Prometheus metrics for one gateway process.
type Metrics struct {
	// Governor metrics, labelled by window ("requests" or "bytes")
	GovernorAdmitted   *prometheus.CounterVec   // castella_governor_admitted_total{window}
	GovernorRefunded   *prometheus.CounterVec   // castella_governor_refunded_total{window}
	GovernorRejected   *prometheus.CounterVec   // castella_governor_rejected_total{window}
	GovernorWait       *prometheus.HistogramVec // castella_governor_wait_seconds{window}
	GovernorQueueDepth *prometheus.GaugeVec     // castella_governor_queue_depth{window}

	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec   // castella_transfers_total{direction,result}
	TransferDuration *prometheus.HistogramVec // castella_transfer_duration_seconds{direction}
	TransferStates   *prometheus.GaugeVec     // castella_transfer_in_flight{direction,state}
	BytesUploaded    prometheus.Counter       // castella_bytes_uploaded_total (plaintext)
	BytesDownloaded  prometheus.Counter       // castella_bytes_downloaded_total (plaintext)

	// Backend metrics
	BackendCalls   *prometheus.CounterVec // castella_backend_calls_total{operation,status}
	BackendRetries *prometheus.CounterVec // castella_backend_retries_total{operation}

	// Purge queue metrics
	PurgeQueueDepth prometheus.Gauge       // castella_purge_queue_depth
	PurgeTotal      *prometheus.CounterVec // castella_purge_total{result}

	// Allocator metrics
	DrivesCreated       prometheus.Counter // castella_drives_created_total
	AllocationConflicts prometheus.Counter // castella_allocation_conflicts_total

	// Catalog gauges, refreshed by Collector
	CatalogDrives prometheus.Gauge // castella_catalog_drives
	CatalogFiles  prometheus.Gauge // castella_catalog_files
	CatalogBytes  prometheus.Gauge // castella_catalog_bytes

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec   // castella_http_requests_total{method,route,status}
	HTTPDuration *prometheus.HistogramVec // castella_http_request_duration_seconds{method,route}
}

// New registers all metrics with registry. Passing nil uses Registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = Registry
	}
	f := promauto.With(registry)

	return &Metrics{
		GovernorAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_governor_admitted_total",
			Help: "Amount admitted by the quota governor (requests or ciphertext bytes)",
		}, []string{"window"}),
		GovernorRefunded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_governor_refunded_total",
			Help: "Amount refunded to the quota governor by cancelled permits",
		}, []string{"window"}),
		GovernorRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_governor_rejected_total",
			Help: "Admissions rejected because the amount exceeds the window ceiling",
		}, []string{"window"}),
		GovernorWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castella_governor_wait_seconds",
			Help:    "Time callers spent parked in the quota governor",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 3600},
		}, []string{"window"}),
		GovernorQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castella_governor_queue_depth",
			Help: "Callers currently waiting for governor capacity",
		}, []string{"window"}),

		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_transfers_total",
			Help: "Completed transfers by direction and result",
		}, []string{"direction", "result"}),
		TransferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castella_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"direction"}),
		TransferStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "castella_transfer_in_flight",
			Help: "Transfers currently in each pipeline state",
		}, []string{"direction", "state"}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "castella_bytes_uploaded_total",
			Help: "Total plaintext bytes stored",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "castella_bytes_downloaded_total",
			Help: "Total plaintext bytes served",
		}),

		BackendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_backend_calls_total",
			Help: "Backend calls by operation and status",
		}, []string{"operation", "status"}),
		BackendRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_backend_retries_total",
			Help: "Backend calls retried after a transient failure",
		}, []string{"operation"}),

		PurgeQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "castella_purge_queue_depth",
			Help: "Remote objects waiting for deferred deletion",
		}),
		PurgeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_purge_total",
			Help: "Deferred deletions by result",
		}, []string{"result"}),

		DrivesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "castella_drives_created_total",
			Help: "Backend containers created by the allocator",
		}),
		AllocationConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "castella_allocation_conflicts_total",
			Help: "Catalog serialization conflicts retried during allocation",
		}),

		CatalogDrives: f.NewGauge(prometheus.GaugeOpts{
			Name: "castella_catalog_drives",
			Help: "Drives recorded in the catalog",
		}),
		CatalogFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "castella_catalog_files",
			Help: "Files recorded in the catalog",
		}),
		CatalogBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "castella_catalog_bytes",
			Help: "Plaintext bytes recorded in the catalog",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "castella_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castella_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Discard returns metrics registered with a private registry, for components
// constructed without a metrics handle.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns an HTTP handler serving Registry.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor returns an HTTP handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
