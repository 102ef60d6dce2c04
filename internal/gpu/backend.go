package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/backend"
	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/metrics"
)

// Option configures a Backend.
type Option func(*options)

type options struct {
	log         *zap.Logger
	waitTimeout time.Duration
	warm        bool
	sources     SourceFunc
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithWaitTimeout bounds every device wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.waitTimeout = d }
}

// WithWarm compiles every built-in kernel during New, so compile failures
// surface at construction.
func WithWarm(warm bool) Option {
	return func(o *options) { o.warm = warm }
}

// WithSources overrides where kernel modules are loaded from.
func WithSources(fn SourceFunc) Option {
	return func(o *options) { o.sources = fn }
}

// Backend is the compute backend facade. It is safe for concurrent use;
// device submission is serialized by the device.
type Backend struct {
	handle     *Handle
	alloc      *Allocator
	cache      *KernelCache
	dispatcher *Dispatcher
	ops        *Ops
	log        *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Device  = (*Backend)(nil)
)

// New builds a backend on h. The backend holds its own reference to h.
func New(h *Handle, opts ...Option) (*Backend, error) {
	o := options{waitTimeout: DefaultWaitTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	log := o.log.Named("gpu")

	dev := h.Device()
	dispatcher, err := NewDispatcher(dev, o.waitTimeout, log)
	if err != nil {
		return nil, err
	}
	alloc := NewAllocator(dev, log)
	cache := NewKernelCache(dev, o.sources, log)

	if o.warm {
		if err := cache.Warm(context.Background(), Kernels()...); err != nil {
			err = multierr.Append(err, cache.Close())
			dispatcher.Close()
			return nil, err
		}
	}

	b := &Backend{
		handle:     h.Retain(),
		alloc:      alloc,
		cache:      cache,
		dispatcher: dispatcher,
		ops:        NewOps(alloc, cache, dispatcher),
		log:        log,
	}
	info := h.Info()
	metrics.DeviceThroughput.WithLabelValues(info.Name).Set(h.ThroughputEstimate())
	log.Info("backend ready",
		zap.String("device", info.Name),
		zap.Stringer("type", info.Type),
		zap.Duration("wait_timeout", dispatcher.Timeout()),
		zap.Bool("warm", o.warm),
	)
	return b, nil
}

// Device reports the device kind.
func (b *Backend) Device() backend.DeviceType { return b.handle.DeviceType() }

// DeviceType reports the device kind.
func (b *Backend) DeviceType() backend.DeviceType { return b.handle.DeviceType() }

// DeviceFLOPS returns the theoretical device throughput.
func (b *Backend) DeviceFLOPS() float64 { return b.handle.ThroughputEstimate() }

// Features returns the device feature set.
func (b *Backend) Features() backend.Features { return b.handle.Features() }

// Info describes the device.
func (b *Backend) Info() hal.Info { return b.handle.Info() }

// CacheStats returns kernel cache counters.
func (b *Backend) CacheStats() CacheStats { return b.cache.Stats() }

// call runs fn inside a fresh scope and records the outcome. The scope is
// closed before call returns on every path.
func (b *Backend) call(op string, fn func(ctx context.Context, s *Scope) error) (err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	start := time.Now()
	s := NewScope()
	defer func() {
		err = multierr.Append(err, s.Close())
		elapsed := time.Since(start)
		status := metrics.StatusOK
		if err != nil {
			status = metrics.StatusError
		}
		metrics.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
		metrics.Operations.WithLabelValues(op, status).Inc()
		if err != nil {
			b.log.Debug("operation failed", zap.String("op", op), zap.Duration("duration", elapsed), zap.Error(err))
		} else {
			b.log.Debug("operation complete", zap.String("op", op), zap.Duration("duration", elapsed))
		}
	}()
	return fn(context.Background(), s)
}

func (b *Backend) binary(op string, k Kernel, x, y []float32) ([]float32, error) {
	if len(x) != len(y) {
		metrics.Operations.WithLabelValues(op, metrics.StatusError).Inc()
		return nil, fmt.Errorf("%w: %s of %d and %d elements", ErrLengthMismatch, op, len(x), len(y))
	}
	if len(x) == 0 {
		return []float32{}, nil
	}
	var out []float32
	err := b.call(op, func(ctx context.Context, s *Scope) error {
		var err error
		out, err = b.ops.Binary(ctx, s, k, x, y)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Add returns x[i] + y[i].
func (b *Backend) Add(x, y []float32) ([]float32, error) {
	return b.binary("add", KernelVectorAdd, x, y)
}

// Sub returns x[i] - y[i].
func (b *Backend) Sub(x, y []float32) ([]float32, error) {
	return b.binary("sub", KernelVectorSub, x, y)
}

// Multiply returns x[i] * y[i].
func (b *Backend) Multiply(x, y []float32) ([]float32, error) {
	return b.binary("multiply", KernelVectorMul, x, y)
}

// Div returns x[i] / y[i] with IEEE 754 semantics for zero divisors.
func (b *Backend) Div(x, y []float32) ([]float32, error) {
	return b.binary("div", KernelVectorDiv, x, y)
}

// Matmul multiplies row-major x (m x n) by y (n x k) into an m x k result.
func (b *Backend) Matmul(x, y []float32, m, n, k int) ([]float32, error) {
	var out []float32
	err := b.call("matmul", func(ctx context.Context, s *Scope) error {
		var err error
		out, err = b.ops.Matmul(ctx, s, x, y, m, n, k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Log returns the natural logarithm of each element: -Inf for zero, NaN for
// negative or NaN input.
func (b *Backend) Log(x []float32) ([]float32, error) {
	if len(x) == 0 {
		return []float32{}, nil
	}
	var out []float32
	err := b.call("log", func(ctx context.Context, s *Scope) error {
		var err error
		out, err = b.ops.Unary(ctx, s, KernelVectorLog, x)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sum returns the sum of x, accumulated in index order. Sum of an empty
// slice is 0.
func (b *Backend) Sum(x []float32) (float32, error) {
	if len(x) == 0 {
		return 0, nil
	}
	var out float32
	err := b.call("sum", func(ctx context.Context, s *Scope) error {
		var err error
		out, err = b.ops.Sum(ctx, s, x)
		return err
	})
	if err != nil {
		return 0, err
	}
	return out, nil
}

// Mean returns Sum(x)/len(x), or 0 for an empty slice.
func (b *Backend) Mean(x []float32) (float32, error) {
	if len(x) == 0 {
		return 0, nil
	}
	sum, err := b.Sum(x)
	if err != nil {
		return 0, err
	}
	return sum / float32(len(x)), nil
}

func (b *Backend) notImplemented(op string) error {
	metrics.Operations.WithLabelValues(op, metrics.StatusError).Inc()
	return fmt.Errorf("%w: %s", ErrNotImplemented, op)
}

// Exp is not available on this backend.
func (b *Backend) Exp(x []float32) ([]float32, error) {
	return nil, b.notImplemented("exp")
}

// Pow is not available on this backend.
func (b *Backend) Pow(x []float32, power float32) ([]float32, error) {
	return nil, b.notImplemented("pow")
}

// Sqrt is not available on this backend.
func (b *Backend) Sqrt(x []float32) ([]float32, error) {
	return nil, b.notImplemented("sqrt")
}

// Close waits for in-flight calls and for abandoned dispatches, then destroys
// the queue and cached kernels and drops the backend's handle reference.
//
// If an abandoned dispatch is still running after one wait timeout the
// device is treated as lost: Close returns ErrDeviceTimeout and leaves every
// device resource allocated.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), b.dispatcher.Timeout())
	defer cancel()
	if err := b.dispatcher.Drain(ctx); err != nil {
		b.log.Error("device did not finish abandoned work, leaving its resources allocated", zap.Error(err))
		return err
	}

	b.dispatcher.Close()
	err := b.cache.Close()
	b.handle.Release()
	b.log.Info("backend closed")
	return err
}

// PendingDispatches returns the number of abandoned dispatches still running.
func (b *Backend) PendingDispatches() int64 { return b.dispatcher.Pending() }
