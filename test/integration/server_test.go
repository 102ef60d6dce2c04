//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/gpu-backend/internal/config"
	"github.com/fxnlabs/gpu-backend/internal/gpu"
	"github.com/fxnlabs/gpu-backend/internal/server"
)

func newApp(t *testing.T, kind string) (*fxtest.App, *server.Server, *gpu.Manager) {
	t.Helper()
	var srv *server.Server
	var manager *gpu.Manager

	app := fxtest.New(t,
		fx.Provide(
			func() *config.Config {
				cfg := config.Default()
				cfg.Device.Kind = kind
				cfg.Metrics.ListenAddress = "127.0.0.1:0"
				return cfg
			},
			func() *zap.Logger {
				return zaptest.NewLogger(t)
			},
		),
		server.Logger,
		server.Module,
		fx.Populate(&srv, &manager),
	)
	return app, srv, manager
}

func TestServer_EndToEnd(t *testing.T) {
	app, srv, manager := newApp(t, config.DeviceSoftware)
	app.RequireStart()
	defer app.RequireStop()

	base := "http://" + srv.Addr()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	testCases := []struct {
		name string
		A    [][]float64
		B    [][]float64
		want [][]float64
	}{
		{
			name: "small fixed matrices",
			A:    [][]float64{{1, 2}, {3, 4}},
			B:    [][]float64{{5, 6}, {7, 8}},
			want: [][]float64{{19, 22}, {43, 50}},
		},
		{
			name: "crosses a workgroup tile",
			A:    identity(17),
			B:    ramp(17, 3),
			want: ramp(17, 3),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body, err := json.Marshal(server.MatmulRequest{A: tc.A, B: tc.B})
			require.NoError(t, err)
			resp, err := http.Post(base+"/v1/matmul", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var result server.MatmulResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			assert.Equal(t, tc.want, result.C)
			assert.Equal(t, gpu.KindSoftware, result.Backend)
		})
	}

	t.Run("self test", func(t *testing.T) {
		resp, err := http.Post(base+"/v1/selftest", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		var result struct {
			Passed bool `json:"passed"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.True(t, result.Passed)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `gpu_backend_operations_total{op="matmul",status="ok"}`)
		assert.Contains(t, string(raw), `endpoint_responses_total{endpoint="/v1/matmul",status_code="200"}`)
	})

	assert.Equal(t, int64(0), manager.Backend().CacheStats().Leases)
}

func TestServer_AutoFallsBack(t *testing.T) {
	app, _, manager := newApp(t, config.DeviceAuto)
	app.RequireStart()
	defer app.RequireStop()

	// Either a GPU came up or the software device took over.
	require.NotNil(t, manager.Backend())
	assert.Contains(t, []string{gpu.KindWGPU, gpu.KindSoftware}, manager.BackendType())
}

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func ramp(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = float64(i*cols + j)
		}
	}
	return m
}
