package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/metrics"
)

// DefaultWaitTimeout bounds a dispatch when no other timeout is configured.
const DefaultWaitTimeout = 5 * time.Second

// Binding attaches a buffer to one kernel parameter slot.
type Binding struct {
	Slot   uint32
	Buffer hal.Buffer
}

// Grid is the shape of a dispatch: Groups workgroups of ThreadsPerGroup
// invocations each.
type Grid struct {
	Groups          hal.Size3
	ThreadsPerGroup hal.Size3
}

func (g Grid) String() string {
	return g.Groups.String() + " groups of " + g.ThreadsPerGroup.String()
}

// Stride is the number of invocations in one row of groups. Elementwise
// kernels index element gid.x + gid.y*Stride.
func (g Grid) Stride() uint32 {
	return g.Groups.X * g.ThreadsPerGroup.X
}

// LinearGrid covers n elements with workgroups of k's size. When more than
// maxGroups groups are needed along X the grid spills into Y rows of
// maxGroups groups. A zero maxGroups never spills.
func LinearGrid(k Kernel, n, maxGroups uint32) Grid {
	groups := ceilDiv(n, k.WorkgroupSize.X)
	size := hal.Size3{X: groups, Y: 1, Z: 1}
	if maxGroups > 0 && groups > maxGroups {
		size = hal.Size3{X: maxGroups, Y: ceilDiv(groups, maxGroups), Z: 1}
	}
	return Grid{Groups: size, ThreadsPerGroup: k.WorkgroupSize}
}

// MatmulGrid covers an m x k output with 16x16 workgroups. X runs over rows
// and Y over columns.
func MatmulGrid(m, k uint32) Grid {
	return Grid{
		Groups:          hal.Size3{X: ceilDiv(m, matmulWorkgroup.X), Y: ceilDiv(k, matmulWorkgroup.Y), Z: 1},
		ThreadsPerGroup: matmulWorkgroup,
	}
}

// SingleGrid is one workgroup of one invocation.
func SingleGrid() Grid {
	one := hal.Size3{X: 1, Y: 1, Z: 1}
	return Grid{Groups: one, ThreadsPerGroup: one}
}

// Dispatcher submits one compute pass per call and blocks until the device
// completes it. Work that outlives its wait keeps its resources until the
// device finishes it.
type Dispatcher struct {
	dev     hal.Device
	queue   hal.Queue
	timeout time.Duration
	log     *zap.Logger

	reapers sync.WaitGroup
	pending atomic.Int64
}

// NewDispatcher creates the dispatcher's queue on dev. A non-positive
// timeout selects DefaultWaitTimeout.
func NewDispatcher(dev hal.Device, timeout time.Duration, log *zap.Logger) (*Dispatcher, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	q, err := dev.CreateQueue()
	if err != nil {
		return nil, fmt.Errorf("%w: create queue: %v", ErrDeviceCreation, err)
	}
	return &Dispatcher{dev: dev, queue: q, timeout: timeout, log: log.Named("dispatcher")}, nil
}

// Timeout returns the bound applied to every wait.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// MaxGroupsPerDimension is the device limit LinearGrid spills against.
func (d *Dispatcher) MaxGroupsPerDimension() uint32 {
	return d.dev.Limits().MaxComputeWorkgroupsPerDimension
}

// Pending returns the number of abandoned dispatches the device has not
// finished yet.
func (d *Dispatcher) Pending() int64 { return d.pending.Load() }

func (d *Dispatcher) validate(p hal.Pipeline, bindings []Binding, grid Grid) error {
	if grid.Groups.HasZero() || grid.ThreadsPerGroup.HasZero() {
		return fmt.Errorf("%w: grid %s", ErrInvalidDimensions, grid)
	}
	limit := d.dev.Limits().MaxComputeWorkgroupsPerDimension
	if limit > 0 && (grid.Groups.X > limit || grid.Groups.Y > limit || grid.Groups.Z > limit) {
		return fmt.Errorf("%w: grid %s exceeds %d groups per dimension", ErrInvalidDimensions, grid, limit)
	}
	if grid.ThreadsPerGroup != p.WorkgroupSize() {
		return fmt.Errorf("%w: %s declares workgroup size %s, grid uses %s",
			ErrInvalidDimensions, p.EntryPoint(), p.WorkgroupSize(), grid.ThreadsPerGroup)
	}

	layout := p.Layout()
	if len(bindings) != len(layout) {
		return fmt.Errorf("%w: %s takes %d bindings, got %d", ErrBindingMismatch, p.EntryPoint(), len(layout), len(bindings))
	}
	seen := make([]bool, len(layout))
	for _, b := range bindings {
		if int(b.Slot) >= len(layout) {
			return fmt.Errorf("%w: %s has no slot %d", ErrBindingMismatch, p.EntryPoint(), b.Slot)
		}
		if seen[b.Slot] {
			return fmt.Errorf("%w: %s slot %d bound twice", ErrBindingMismatch, p.EntryPoint(), b.Slot)
		}
		if b.Buffer == nil {
			return fmt.Errorf("%w: %s slot %d has a nil buffer", ErrBindingMismatch, p.EntryPoint(), b.Slot)
		}
		seen[b.Slot] = true
	}
	return nil
}

// Dispatch encodes p over grid with bindings, commits it and waits for
// completion. The wait is bounded by the dispatcher timeout and by ctx.
//
// When the wait gives up the work is still running, so the command buffer
// and every release pending in s are handed to a background reaper that
// frees them once the device completes. s is left empty.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Scope, p hal.Pipeline, bindings []Binding, grid Grid) error {
	if err := d.validate(p, bindings, grid); err != nil {
		return err
	}

	start := time.Now()
	cmd, err := d.queue.CommandBuffer(p.EntryPoint())
	if err != nil {
		return fmt.Errorf("dispatch %s: command buffer: %w", p.EntryPoint(), err)
	}
	if err := encode(cmd, p, bindings, grid); err != nil {
		cmd.Release()
		return fmt.Errorf("dispatch %s: %w", p.EntryPoint(), err)
	}
	if err := cmd.Commit(); err != nil {
		cmd.Release()
		return fmt.Errorf("dispatch %s: commit: %w", p.EntryPoint(), err)
	}
	metrics.Dispatches.WithLabelValues(p.EntryPoint()).Inc()

	waitCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err = cmd.Wait(waitCtx)
	if err != nil && waitCtx.Err() != nil {
		d.reap(p.EntryPoint(), cmd, s.Detach())
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s: %v", ErrDeviceTimeout, p.EntryPoint(), time.Since(start), err)
		}
		return fmt.Errorf("dispatch %s: %w", p.EntryPoint(), err)
	}
	cmd.Release()
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", p.EntryPoint(), err)
	}

	d.log.Debug("dispatched kernel",
		zap.String("kernel", p.EntryPoint()),
		zap.Stringer("groups", grid.Groups),
		zap.Stringer("threads_per_group", grid.ThreadsPerGroup),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func encode(cmd hal.CommandBuffer, p hal.Pipeline, bindings []Binding, grid Grid) error {
	enc, err := cmd.ComputeEncoder()
	if err != nil {
		return fmt.Errorf("compute encoder: %w", err)
	}
	enc.SetPipeline(p)
	for _, b := range bindings {
		enc.SetBuffer(b.Slot, b.Buffer)
	}
	enc.DispatchThreadgroups(grid.Groups, grid.ThreadsPerGroup)
	if err := enc.End(); err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	return nil
}

// reap waits without a bound for cmd, then releases it and orphan.
func (d *Dispatcher) reap(kernel string, cmd hal.CommandBuffer, orphan *Scope) {
	d.pending.Add(1)
	metrics.PendingDispatches.Inc()
	d.reapers.Add(1)
	d.log.Warn("dispatch abandoned, resources held until the device completes it",
		zap.String("kernel", kernel),
		zap.Int("resources", orphan.Len()),
	)
	go func() {
		defer d.reapers.Done()
		err := cmd.Wait(context.Background())
		cmd.Release()
		err = multierr.Append(err, orphan.Close())
		d.pending.Add(-1)
		metrics.PendingDispatches.Dec()
		if err != nil {
			d.log.Warn("abandoned dispatch finished with errors", zap.String("kernel", kernel), zap.Error(err))
			return
		}
		d.log.Debug("abandoned dispatch released", zap.String("kernel", kernel))
	}()
}

// Drain blocks until every abandoned dispatch has completed and released its
// resources, or ctx is done. Callers must not dispatch concurrently.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d dispatches still running: %v", ErrDeviceTimeout, d.Pending(), ctx.Err())
	}
}

// Close releases the queue. Call Drain first when dispatches may have been
// abandoned.
func (d *Dispatcher) Close() {
	d.queue.Destroy()
}
