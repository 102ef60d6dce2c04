package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_duration_seconds",
		Help:    "Time spent serving an endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Backend operation metrics
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_backend_operation_duration_seconds",
		Help:    "Wall time of a backend operation, including upload and readback",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
	}, []string{"op"})

	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_backend_operations_total",
		Help: "Total number of backend operations by outcome",
	}, []string{"op", "status"})

	// Engine metrics
	KernelCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_backend_kernel_cache_total",
		Help: "Kernel cache lookups by result (hit, miss, error)",
	}, []string{"result"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpu_backend_dispatches_total",
		Help: "Compute dispatches submitted per kernel",
	}, []string{"kernel"})

	PendingDispatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_backend_pending_dispatches",
		Help: "Timed-out dispatches still running on the device",
	})

	BufferBytesAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpu_backend_buffer_bytes_allocated_total",
		Help: "Bytes allocated for device buffers",
	})

	DeviceThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_backend_device_throughput_flops",
		Help: "Theoretical device throughput in FLOP/s",
	}, []string{"device"})
)

// Status labels for Operations.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Cache result labels for KernelCacheLookups.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
