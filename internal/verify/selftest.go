package verify

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/backend"
	"github.com/fxnlabs/gpu-backend/internal/gpu"
)

// Config sizes the self test workload.
type Config struct {
	Length int
	M, N, K int
	Rounds  int
	Seed    int64
}

// DefaultConfig crosses workgroup boundaries in every kernel.
func DefaultConfig() Config {
	return Config{Length: 1000, M: 33, N: 20, K: 17, Rounds: 10, Seed: 1}
}

// Check is the outcome of one operation.
type Check struct {
	Op          string        `json:"op"`
	Passed      bool          `json:"passed"`
	Unsupported bool          `json:"unsupported,omitempty"`
	MaxError    float64       `json:"maxError"`
	Duration    time.Duration `json:"duration"`
	Err         string        `json:"error,omitempty"`
}

// Report collects the checks of one run.
type Report struct {
	Device backend.DeviceType `json:"device"`
	Checks []Check            `json:"checks"`
}

// Passed reports whether every supported operation matched the reference.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed && !c.Unsupported {
			return false
		}
	}
	return true
}

// Failures returns the checks that did not pass.
func (r Report) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed && !c.Unsupported {
			out = append(out, c)
		}
	}
	return out
}

// tolerance is relative to the magnitude of the expected value.
const (
	elementwiseTol = 1e-5
	matmulTol      = 1e-4
)

// SelfTest runs every operation of b on seeded random inputs and compares
// the results with Reference. Operations that return gpu.ErrNotImplemented
// are reported as unsupported.
func SelfTest(b backend.Backend, cfg Config, log *zap.Logger) Report {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("selftest")

	rng := rand.New(rand.NewSource(cfg.Seed))
	x := uniform(rng, cfg.Length, -4, 4)
	y := nonZero(rng, cfg.Length)
	pos := uniform(rng, cfg.Length, 1e-3, 16)
	ref := Reference{}

	report := Report{Device: b.Device()}
	run := func(op string, fn func() (float64, error)) {
		start := time.Now()
		maxErr, err := fn()
		c := Check{Op: op, MaxError: maxErr, Duration: time.Since(start)}
		switch {
		case errors.Is(err, gpu.ErrNotImplemented):
			c.Unsupported = true
		case err != nil:
			c.Err = err.Error()
		default:
			c.Passed = true
		}
		report.Checks = append(report.Checks, c)
		log.Debug("checked operation",
			zap.String("op", op),
			zap.Bool("passed", c.Passed),
			zap.Bool("unsupported", c.Unsupported),
			zap.Float64("max_error", maxErr),
			zap.Duration("duration", c.Duration),
		)
	}

	binary := []struct {
		op   string
		got  func(a, b []float32) ([]float32, error)
		want func(a, b []float32) ([]float32, error)
	}{
		{"add", b.Add, ref.Add},
		{"sub", b.Sub, ref.Sub},
		{"multiply", b.Multiply, ref.Multiply},
		{"div", b.Div, ref.Div},
	}
	for _, tc := range binary {
		tc := tc
		run(tc.op, func() (float64, error) {
			return compareVectors(tc.got, tc.want, x, y)
		})
	}

	run("log", func() (float64, error) {
		got, err := b.Log(pos)
		if err != nil {
			return 0, err
		}
		want, _ := ref.Log(pos)
		return within(got, want, elementwiseTol)
	})

	run("sum", func() (float64, error) {
		got, err := b.Sum(x)
		if err != nil {
			return 0, err
		}
		want, _ := ref.Sum(x)
		return withinScalar(got, want, sumTolerance(x))
	})

	run("mean", func() (float64, error) {
		got, err := b.Mean(x)
		if err != nil {
			return 0, err
		}
		want, _ := ref.Mean(x)
		return withinScalar(got, want, sumTolerance(x)/float64(len(x)))
	})

	run("matmul", func() (float64, error) {
		ma := uniform(rng, cfg.M*cfg.N, -1, 1)
		mb := uniform(rng, cfg.N*cfg.K, -1, 1)
		got, err := b.Matmul(ma, mb, cfg.M, cfg.N, cfg.K)
		if err != nil {
			return 0, err
		}
		ok, err := Freivalds(ma, mb, got, cfg.M, cfg.N, cfg.K, cfg.Rounds, rng, matmulTol)
		if err != nil {
			return 0, err
		}
		want, err := ref.Matmul(ma, mb, cfg.M, cfg.N, cfg.K)
		if err != nil {
			return 0, err
		}
		maxErr, err := within(got, want, matmulTol)
		if err == nil && !ok {
			err = errors.New("freivalds check failed")
		}
		return maxErr, err
	})

	for _, op := range []struct {
		name string
		fn   func() ([]float32, error)
	}{
		{"exp", func() ([]float32, error) { return b.Exp(x) }},
		{"pow", func() ([]float32, error) { return b.Pow(pos, 2) }},
		{"sqrt", func() ([]float32, error) { return b.Sqrt(pos) }},
	} {
		op := op
		run(op.name, func() (float64, error) {
			_, err := op.fn()
			return 0, err
		})
	}

	log.Info("self test complete",
		zap.Stringer("device", report.Device),
		zap.Int("checks", len(report.Checks)),
		zap.Int("failures", len(report.Failures())),
	)
	return report
}

func compareVectors(got, want func(a, b []float32) ([]float32, error), x, y []float32) (float64, error) {
	g, err := got(x, y)
	if err != nil {
		return 0, err
	}
	w, err := want(x, y)
	if err != nil {
		return 0, err
	}
	return within(g, w, elementwiseTol)
}

// within returns the largest relative error and fails when any element
// exceeds tol. Matching infinities and NaNs count as exact.
func within(got, want []float32, tol float64) (float64, error) {
	if len(got) != len(want) {
		return math.Inf(1), fmt.Errorf("got %d elements, want %d", len(got), len(want))
	}
	var worst float64
	for i := range got {
		e := relError(float64(got[i]), float64(want[i]))
		if e > worst {
			worst = e
		}
		if e > tol {
			return worst, fmt.Errorf("element %d: got %g, want %g", i, got[i], want[i])
		}
	}
	return worst, nil
}

func withinScalar(got, want float32, tol float64) (float64, error) {
	diff := math.Abs(float64(got) - float64(want))
	if diff > tol {
		return diff, fmt.Errorf("got %g, want %g", got, want)
	}
	return diff, nil
}

func relError(got, want float64) float64 {
	switch {
	case math.IsNaN(got) && math.IsNaN(want):
		return 0
	case math.IsNaN(got) || math.IsNaN(want):
		return math.Inf(1)
	case math.IsInf(want, 0) || math.IsInf(got, 0):
		if got == want {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(got-want) / math.Max(1, math.Abs(want))
}

// sumTolerance bounds serial float32 accumulation error.
func sumTolerance(x []float32) float64 {
	var abs float64
	for _, v := range x {
		abs += math.Abs(float64(v))
	}
	return float64(len(x))*0x1p-24*abs + 1e-6
}

func uniform(rng *rand.Rand, n int, lo, hi float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(lo + rng.Float64()*(hi-lo))
	}
	return out
}

// nonZero returns values with magnitude in [0.5, 2].
func nonZero(rng *rand.Rand, n int) []float32 {
	out := uniform(rng, n, 0.5, 2)
	for i := range out {
		if rng.Intn(2) == 0 {
			out[i] = -out[i]
		}
	}
	return out
}
