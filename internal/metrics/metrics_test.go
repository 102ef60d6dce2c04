package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendMetrics(t *testing.T) {
	t.Run("Operations", func(t *testing.T) {
		before := testutil.ToFloat64(Operations.WithLabelValues("add", StatusOK))
		Operations.WithLabelValues("add", StatusOK).Inc()
		Operations.WithLabelValues("add", StatusOK).Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(Operations.WithLabelValues("add", StatusOK)))
	})

	t.Run("KernelCacheLookups", func(t *testing.T) {
		before := testutil.ToFloat64(KernelCacheLookups.WithLabelValues(CacheMiss))
		KernelCacheLookups.WithLabelValues(CacheMiss).Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(KernelCacheLookups.WithLabelValues(CacheMiss)))
	})

	t.Run("BufferBytesAllocated", func(t *testing.T) {
		before := testutil.ToFloat64(BufferBytesAllocated)
		BufferBytesAllocated.Add(1024)
		assert.Equal(t, before+1024, testutil.ToFloat64(BufferBytesAllocated))
	})

	t.Run("DeviceThroughput", func(t *testing.T) {
		DeviceThroughput.WithLabelValues("test").Set(1.5e12)
		assert.Equal(t, 1.5e12, testutil.ToFloat64(DeviceThroughput.WithLabelValues("test")))
	})

	t.Run("OperationDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			OperationDuration.WithLabelValues("matmul").Observe(0.002)
		})
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		EndpointResponses,
		EndpointDuration,
		OperationDuration,
		Operations,
		KernelCacheLookups,
		Dispatches,
		PendingDispatches,
		BufferBytesAllocated,
		DeviceThroughput,
	}

	for _, c := range collectors {
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "/teapot", nil)

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418")))
}

func TestMiddleware_DefaultStatus(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), "/ok", nil)

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/ok", "200"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/ok", "200")))
}

func TestHandler(t *testing.T) {
	Operations.WithLabelValues("sum", StatusOK).Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "gpu_backend_operations_total"))
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveDuration", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			OperationDuration.WithLabelValues("add").Observe(float64(i%1000) / 1e6)
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			Dispatches.WithLabelValues("vector_add").Inc()
		}
	})
}
