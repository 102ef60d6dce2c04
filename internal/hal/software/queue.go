package software

import (
	"context"
	"fmt"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

type queue struct {
	device *Device
}

func (q *queue) CommandBuffer(label string) (hal.CommandBuffer, error) {
	if q.device.destroyed.Load() {
		return nil, fmt.Errorf("software: device destroyed")
	}
	q.device.commandBuffers.Add(1)
	return &commandBuffer{
		device: q.device,
		label:  label,
		done:   make(chan struct{}),
	}, nil
}

func (q *queue) Destroy() {}

type pass struct {
	pipeline        *pipeline
	buffers         map[uint32]*buffer
	groups          hal.Size3
	threadsPerGroup hal.Size3
	dispatched      bool
}

type commandBuffer struct {
	device *Device
	label  string

	passes    []*pass
	encoding  bool
	committed bool

	done chan struct{}
	err  error
}

func (c *commandBuffer) ComputeEncoder() (hal.ComputeEncoder, error) {
	if c.committed {
		return nil, fmt.Errorf("software: command buffer %q already committed", c.label)
	}
	if c.encoding {
		return nil, fmt.Errorf("software: command buffer %q has an open encoder", c.label)
	}
	c.encoding = true
	p := &pass{buffers: make(map[uint32]*buffer)}
	return &encoder{cmd: c, pass: p}, nil
}

func (c *commandBuffer) Commit() error {
	if c.committed {
		return fmt.Errorf("software: command buffer %q already committed", c.label)
	}
	if c.encoding {
		return fmt.Errorf("software: command buffer %q committed with an open encoder", c.label)
	}
	c.committed = true
	go c.run()
	return nil
}

func (c *commandBuffer) Wait(ctx context.Context) error {
	if !c.committed {
		return fmt.Errorf("software: wait on uncommitted command buffer %q", c.label)
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("software: command buffer %q: %w", c.label, ctx.Err())
	}
}

func (c *commandBuffer) Release() {
	c.passes = nil
}

func (c *commandBuffer) run() {
	if c.device.stall != nil {
		<-c.device.stall
	}
	c.device.exec.Lock()
	defer c.device.exec.Unlock()
	defer close(c.done)

	for _, p := range c.passes {
		if err := c.device.execute(p); err != nil {
			c.err = fmt.Errorf("software: command buffer %q: %w", c.label, err)
			return
		}
	}
}

type encoder struct {
	cmd   *commandBuffer
	pass  *pass
	ended bool
}

func (e *encoder) SetPipeline(p hal.Pipeline) {
	sp, _ := p.(*pipeline)
	e.pass.pipeline = sp
}

func (e *encoder) SetBuffer(slot uint32, b hal.Buffer) {
	sb, _ := b.(*buffer)
	e.pass.buffers[slot] = sb
}

func (e *encoder) DispatchThreadgroups(groups, threadsPerGroup hal.Size3) {
	e.pass.groups = groups
	e.pass.threadsPerGroup = threadsPerGroup
	e.pass.dispatched = true
}

func (e *encoder) End() error {
	if e.ended {
		return fmt.Errorf("software: encoder already ended")
	}
	e.ended = true
	e.cmd.encoding = false
	if e.pass.pipeline == nil {
		return fmt.Errorf("software: compute pass has no pipeline")
	}
	if !e.pass.dispatched {
		return fmt.Errorf("software: compute pass for %q has no dispatch", e.pass.pipeline.entryPoint)
	}
	e.cmd.passes = append(e.cmd.passes, e.pass)
	return nil
}

// execute runs every work item of one pass.
func (d *Device) execute(p *pass) error {
	layout := p.pipeline.layout
	args := &Args{slots: make([][]byte, len(layout))}
	for slot, kind := range layout {
		b, ok := p.buffers[uint32(slot)]
		if !ok || b == nil {
			return fmt.Errorf("entry point %q: slot %d (%s) is unbound", p.pipeline.entryPoint, slot, kind)
		}
		if err := checkUsage(kind, b.usage); err != nil {
			return fmt.Errorf("entry point %q: slot %d: %w", p.pipeline.entryPoint, slot, err)
		}
		b.mu.RLock()
		destroyed, data := b.destroyed, b.data
		b.mu.RUnlock()
		if destroyed {
			return fmt.Errorf("entry point %q: slot %d: buffer %q destroyed", p.pipeline.entryPoint, slot, b.label)
		}
		args.slots[slot] = data
	}

	g, t := p.groups, p.threadsPerGroup
	if g.HasZero() || t.HasZero() {
		return fmt.Errorf("entry point %q: empty grid %s x %s", p.pipeline.entryPoint, g, t)
	}
	if g.X > d.limits.MaxComputeWorkgroupsPerDimension ||
		g.Y > d.limits.MaxComputeWorkgroupsPerDimension ||
		g.Z > d.limits.MaxComputeWorkgroupsPerDimension {
		return fmt.Errorf("entry point %q: grid %s exceeds %d groups per dimension",
			p.pipeline.entryPoint, g, d.limits.MaxComputeWorkgroupsPerDimension)
	}

	d.dispatches.Add(1)
	var invocations int64
	for gz := uint32(0); gz < g.Z; gz++ {
		for gy := uint32(0); gy < g.Y; gy++ {
			for gx := uint32(0); gx < g.X; gx++ {
				for lz := uint32(0); lz < t.Z; lz++ {
					for ly := uint32(0); ly < t.Y; ly++ {
						for lx := uint32(0); lx < t.X; lx++ {
							p.pipeline.kernel(hal.Size3{
								X: gx*t.X + lx,
								Y: gy*t.Y + ly,
								Z: gz*t.Z + lz,
							}, args)
							invocations++
						}
					}
				}
			}
		}
	}
	d.invocations.Add(invocations)
	return nil
}

func checkUsage(kind hal.BindingKind, usage hal.BufferUsage) error {
	switch kind {
	case hal.BindingUniform:
		if usage&hal.BufferUsageUniform == 0 {
			return fmt.Errorf("uniform slot bound to a non-uniform buffer")
		}
	default:
		if usage&hal.BufferUsageStorage == 0 {
			return fmt.Errorf("%s slot bound to a non-storage buffer", kind)
		}
	}
	return nil
}
