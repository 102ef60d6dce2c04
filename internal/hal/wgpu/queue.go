//go:build !nogpu

package wgpu

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	wgpuhal "github.com/gogpu/wgpu/hal"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// pollInterval is the slice of each fence wait, so a cancelled context is
// noticed between slices.
const pollInterval = 10 * time.Millisecond

type queue struct {
	device *Device
}

func (q *queue) CommandBuffer(label string) (hal.CommandBuffer, error) {
	return &commandBuffer{device: q.device, label: label}, nil
}

func (q *queue) Destroy() {}

type pass struct {
	pipeline *pipeline
	buffers  map[uint32]*buffer
	groups   hal.Size3
}

type commandBuffer struct {
	device *Device
	label  string

	passes   []*pass
	encoding bool

	submitted  bool
	raw        wgpuhal.CommandBuffer
	fence      wgpuhal.Fence
	bindGroups []wgpuhal.BindGroup
}

func (c *commandBuffer) ComputeEncoder() (hal.ComputeEncoder, error) {
	if c.submitted {
		return nil, fmt.Errorf("wgpu: command buffer %q already committed", c.label)
	}
	if c.encoding {
		return nil, fmt.Errorf("wgpu: command buffer %q has an open encoder", c.label)
	}
	c.encoding = true
	return &encoder{cmd: c, pass: &pass{buffers: make(map[uint32]*buffer)}}, nil
}

// Commit creates one bind group per pass, encodes every pass and submits the
// result with a fence.
func (c *commandBuffer) Commit() error {
	if c.submitted {
		return fmt.Errorf("wgpu: command buffer %q already committed", c.label)
	}
	if c.encoding {
		return fmt.Errorf("wgpu: command buffer %q committed with an open encoder", c.label)
	}

	d := c.device
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range c.passes {
		bg, err := d.bindGroup(c.label, p)
		if err != nil {
			c.releaseLocked()
			return err
		}
		c.bindGroups = append(c.bindGroups, bg)
	}

	enc, err := d.device.CreateCommandEncoder(&wgpuhal.CommandEncoderDescriptor{Label: c.label})
	if err != nil {
		c.releaseLocked()
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(c.label); err != nil {
		c.releaseLocked()
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	for i, p := range c.passes {
		cp := enc.BeginComputePass(&wgpuhal.ComputePassDescriptor{Label: p.pipeline.entryPoint})
		cp.SetPipeline(p.pipeline.raw)
		cp.SetBindGroup(0, c.bindGroups[i], nil)
		cp.Dispatch(p.groups.X, p.groups.Y, p.groups.Z)
		cp.End()
	}
	raw, err := enc.EndEncoding()
	if err != nil {
		enc.DiscardEncoding()
		c.releaseLocked()
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	c.raw = raw

	fence, err := d.device.CreateFence()
	if err != nil {
		c.releaseLocked()
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	c.fence = fence
	if err := d.queue.Submit([]wgpuhal.CommandBuffer{raw}, fence, 1); err != nil {
		c.releaseLocked()
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	c.submitted = true
	return nil
}

func (d *Device) bindGroup(label string, p *pass) (wgpuhal.BindGroup, error) {
	entries := make([]gputypes.BindGroupEntry, 0, len(p.pipeline.layout))
	for slot := range p.pipeline.layout {
		b, ok := p.buffers[uint32(slot)]
		if !ok || b == nil {
			return nil, fmt.Errorf("wgpu: %s slot %d is unbound", p.pipeline.entryPoint, slot)
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(slot),
			Resource: gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: 0, Size: b.size},
		})
	}
	bg, err := d.device.CreateBindGroup(&wgpuhal.BindGroupDescriptor{
		Label:   label + "_" + p.pipeline.entryPoint,
		Layout:  p.pipeline.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create bind group for %s: %w", p.pipeline.entryPoint, err)
	}
	return bg, nil
}

// Wait polls the fence until it signals or ctx is done.
func (c *commandBuffer) Wait(ctx context.Context) error {
	if !c.submitted {
		return fmt.Errorf("wgpu: wait on uncommitted command buffer %q", c.label)
	}
	for {
		ok, err := c.device.device.Wait(c.fence, 1, pollInterval)
		if err != nil {
			return fmt.Errorf("wgpu: wait for command buffer %q: %w", c.label, err)
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("wgpu: command buffer %q: %w", c.label, err)
		}
	}
}

func (c *commandBuffer) Release() {
	c.device.mu.Lock()
	defer c.device.mu.Unlock()
	c.releaseLocked()
}

func (c *commandBuffer) releaseLocked() {
	d := c.device.device
	if d == nil {
		return
	}
	for _, bg := range c.bindGroups {
		d.DestroyBindGroup(bg)
	}
	c.bindGroups = nil
	if c.raw != nil {
		d.FreeCommandBuffer(c.raw)
		c.raw = nil
	}
	if c.fence != nil {
		d.DestroyFence(c.fence)
		c.fence = nil
	}
	c.passes = nil
}

type encoder struct {
	cmd        *commandBuffer
	pass       *pass
	dispatched bool
	ended      bool
}

func (e *encoder) SetPipeline(p hal.Pipeline) {
	wp, _ := p.(*pipeline)
	e.pass.pipeline = wp
}

func (e *encoder) SetBuffer(slot uint32, b hal.Buffer) {
	wb, _ := b.(*buffer)
	e.pass.buffers[slot] = wb
}

// DispatchThreadgroups records the group count. The threads per group are
// fixed by the shader's @workgroup_size.
func (e *encoder) DispatchThreadgroups(groups, _ hal.Size3) {
	e.pass.groups = groups
	e.dispatched = true
}

func (e *encoder) End() error {
	if e.ended {
		return fmt.Errorf("wgpu: encoder already ended")
	}
	e.ended = true
	e.cmd.encoding = false
	if e.pass.pipeline == nil {
		return fmt.Errorf("wgpu: compute pass has no pipeline")
	}
	if !e.dispatched {
		return fmt.Errorf("wgpu: compute pass for %q has no dispatch", e.pass.pipeline.entryPoint)
	}
	e.cmd.passes = append(e.cmd.passes, e.pass)
	return nil
}
