package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
	"github.com/fxnlabs/gpu-backend/internal/verify"
)

const maxRequestBytes = 64 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errNoBackend = errors.New("no backend available")

// HealthHandler reports whether a backend is serving.
func HealthHandler(m *gpu.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := m.Backend()
		if b == nil {
			writeError(w, http.StatusServiceUnavailable, errNoBackend)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"backend": m.BackendType(),
			"device":  b.Info().Name,
		})
	}
}

type featureView struct {
	Name        string `json:"name"`
	Supported   bool   `json:"supported"`
	Description string `json:"description"`
}

// DeviceResponse describes the serving device.
type DeviceResponse struct {
	Backend    string         `json:"backend"`
	Name       string         `json:"name"`
	DeviceType string         `json:"deviceType"`
	Kind       string         `json:"kind"`
	FLOPS      float64        `json:"flops"`
	Features   []featureView  `json:"features"`
	Cache      gpu.CacheStats `json:"cache"`
}

// DeviceHandler reports device properties and kernel cache counters.
func DeviceHandler(m *gpu.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := m.Backend()
		if b == nil {
			writeError(w, http.StatusServiceUnavailable, errNoBackend)
			return
		}
		info := b.Info()
		resp := DeviceResponse{
			Backend:    m.BackendType(),
			Name:       info.Name,
			DeviceType: b.DeviceType().String(),
			Kind:       info.Type.String(),
			FLOPS:      b.DeviceFLOPS(),
			Cache:      b.CacheStats(),
		}
		for name, f := range b.Features() {
			resp.Features = append(resp.Features, featureView{Name: name, Supported: f.Supported, Description: f.Description})
		}
		sort.Slice(resp.Features, func(i, j int) bool { return resp.Features[i].Name < resp.Features[j].Name })
		writeJSON(w, http.StatusOK, resp)
	}
}

// SelfTestHandler runs verify.SelfTest on the serving backend.
func SelfTestHandler(m *gpu.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := m.Backend()
		if b == nil {
			writeError(w, http.StatusServiceUnavailable, errNoBackend)
			return
		}
		report := verify.SelfTest(b, verify.DefaultConfig(), log)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"passed": report.Passed(),
			"report": report,
		})
	}
}

// MatmulRequest carries two row-major matrices.
type MatmulRequest struct {
	A [][]float64 `json:"A"`
	B [][]float64 `json:"B"`
}

// MatmulResponse carries the product and timing.
type MatmulResponse struct {
	C                 [][]float64 `json:"C"`
	ComputationTimeMs float64     `json:"computationTimeMs"`
	Backend           string      `json:"backend"`
	Device            string      `json:"device"`
	FLOPs             int64       `json:"flops"`
}

func flatten(name string, rows [][]float64) ([]float32, int, int, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, 0, 0, fmt.Errorf("matrix %s is empty", name)
	}
	cols := len(rows[0])
	flat := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, 0, 0, fmt.Errorf("matrix %s row %d has %d columns, want %d", name, i, len(row), cols)
		}
		flat = append(flat, row...)
	}
	return gpu.Float64ToFloat32(flat), len(rows), cols, nil
}

// MatmulHandler multiplies the request matrices on the serving backend.
func MatmulHandler(m *gpu.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MatmulRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}
		a, aRows, aCols, err := flatten("A", req.A)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		bm, bRows, bCols, err := flatten("B", req.B)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if aCols != bRows {
			log.Warn("Matrix dimensions are not compatible for multiplication",
				zap.Int("a_cols", aCols),
				zap.Int("b_rows", bRows))
			writeError(w, http.StatusBadRequest, fmt.Errorf("matrix dimensions are not compatible for multiplication"))
			return
		}

		b := m.Backend()
		if b == nil {
			writeError(w, http.StatusServiceUnavailable, errNoBackend)
			return
		}
		start := time.Now()
		flat, err := b.Matmul(a, bm, aRows, aCols, bCols)
		elapsed := time.Since(start)
		if err != nil {
			log.Error("matrix multiplication failed", zap.Error(err))
			writeError(w, statusFor(err), err)
			return
		}

		c := make([][]float64, aRows)
		for i := range c {
			c[i] = gpu.Float32ToFloat64(flat[i*bCols : (i+1)*bCols])
		}
		writeJSON(w, http.StatusOK, MatmulResponse{
			C:                 c,
			ComputationTimeMs: float64(elapsed.Microseconds()) / 1000,
			Backend:           m.BackendType(),
			Device:            b.Info().Name,
			FLOPs:             2 * int64(aRows) * int64(aCols) * int64(bCols),
		})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gpu.ErrInvalidDimensions), errors.Is(err, gpu.ErrLengthMismatch):
		return http.StatusBadRequest
	case errors.Is(err, gpu.ErrDeviceTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gpu.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
