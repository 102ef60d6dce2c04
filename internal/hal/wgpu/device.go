//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	wgpuhal "github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// WebGPU default limits that gputypes does not carry for us.
const (
	maxWorkgroupsPerDimension  = 65535
	maxInvocationsPerWorkgroup = 256
)

// Device is a GPU opened through the gogpu HAL.
type Device struct {
	// mu serializes queue submission and readback.
	mu sync.Mutex

	instance wgpuhal.Instance
	device   wgpuhal.Device
	queue    wgpuhal.Queue

	info   hal.Info
	limits hal.Limits
	opts   Options

	// readbacks tracks timed-out copies still running on the GPU. While any
	// are pending, buffer destruction is queued in deferred. Both fields
	// are guarded by mu except for the WaitGroup itself.
	readbacks sync.WaitGroup
	pending   int
	deferred  []func()
}

var _ hal.Device = (*Device)(nil)

// Open picks an adapter and opens a device on it.
func Open(opts Options) (hal.Device, error) {
	backend, ok := wgpuhal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not registered", ErrUnavailable)
	}
	instance, err := backend.CreateInstance(&wgpuhal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %v", ErrUnavailable, err)
	}
	adapters := instance.EnumerateAdapters(nil)
	selected := selectAdapter(adapters, opts.PreferDiscrete)
	if selected == nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no GPU adapters found", ErrUnavailable)
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device %q: %v", ErrUnavailable, selected.Info.Name, err)
	}

	return &Device{
		instance: instance,
		device:   openDev.Device,
		queue:    openDev.Queue,
		info: hal.Info{
			Name:    selected.Info.Name,
			Backend: "vulkan",
			Type:    deviceType(selected.Info.DeviceType),
		},
		limits: hal.Limits{
			MaxBufferSize:                     limits.MaxBufferSize,
			MaxComputeWorkgroupSizeX:          limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupSizeY:          limits.MaxComputeWorkgroupSizeY,
			MaxComputeWorkgroupSizeZ:          limits.MaxComputeWorkgroupSizeZ,
			MaxComputeInvocationsPerWorkgroup: maxInvocationsPerWorkgroup,
			MaxComputeWorkgroupsPerDimension:  maxWorkgroupsPerDimension,
		},
		opts: opts,
	}, nil
}

func selectAdapter(adapters []wgpuhal.ExposedAdapter, preferDiscrete bool) *wgpuhal.ExposedAdapter {
	if len(adapters) == 0 {
		return nil
	}
	var discrete, integrated *wgpuhal.ExposedAdapter
	for i := range adapters {
		switch adapters[i].Info.DeviceType {
		case gputypes.DeviceTypeDiscreteGPU:
			if discrete == nil {
				discrete = &adapters[i]
			}
		case gputypes.DeviceTypeIntegratedGPU:
			if integrated == nil {
				integrated = &adapters[i]
			}
		}
	}
	switch {
	case preferDiscrete && discrete != nil:
		return discrete
	case integrated != nil:
		return integrated
	case discrete != nil:
		return discrete
	default:
		return &adapters[0]
	}
}

func deviceType(t gputypes.DeviceType) hal.DeviceType {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return hal.DeviceTypeDiscreteGPU
	case gputypes.DeviceTypeIntegratedGPU:
		return hal.DeviceTypeIntegratedGPU
	default:
		return hal.DeviceTypeUnknown
	}
}

func (d *Device) Info() hal.Info     { return d.info }
func (d *Device) Limits() hal.Limits { return d.limits }

// CreateBuffer allocates a device buffer and uploads its initial contents.
// Buffers without contents are explicitly zeroed.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("wgpu: nil buffer descriptor")
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("wgpu: buffer %q has zero size", desc.Label)
	}
	if desc.Contents != nil && uint64(len(desc.Contents)) != desc.Size {
		return nil, fmt.Errorf("wgpu: buffer %q contents length %d does not match size %d", desc.Label, len(desc.Contents), desc.Size)
	}

	usage := gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	if desc.Usage&hal.BufferUsageStorage != 0 {
		usage |= gputypes.BufferUsageStorage
	}
	if desc.Usage&hal.BufferUsageUniform != 0 {
		usage |= gputypes.BufferUsageUniform
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := d.device.CreateBuffer(&wgpuhal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	contents := desc.Contents
	if contents == nil {
		contents = make([]byte, desc.Size)
	}
	d.queue.WriteBuffer(raw, 0, contents)

	return &buffer{device: d, raw: raw, label: desc.Label, size: desc.Size}, nil
}

// CreateModule compiles WGSL to SPIR-V and creates a shader module from it.
func (d *Device) CreateModule(label, source string) (hal.Module, error) {
	spirv, err := compileSPIRV(source)
	if err != nil {
		return nil, fmt.Errorf("wgpu: module %q: %w", label, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sm, err := d.device.CreateShaderModule(&wgpuhal.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpuhal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module %q: %w", label, err)
	}
	return &module{device: d, label: label, raw: sm}, nil
}

// compileSPIRV runs naga and repacks its output as little-endian words.
func compileSPIRV(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile wgsl: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile wgsl: spir-v length %d is not word aligned", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func bindingType(k hal.BindingKind) (gputypes.BufferBindingType, error) {
	switch k {
	case hal.BindingReadOnlyStorage:
		return gputypes.BufferBindingTypeReadOnlyStorage, nil
	case hal.BindingStorage:
		return gputypes.BufferBindingTypeStorage, nil
	case hal.BindingUniform:
		return gputypes.BufferBindingTypeUniform, nil
	default:
		return 0, fmt.Errorf("unknown binding kind %d", int(k))
	}
}

// CreatePipeline builds the bind group layout, pipeline layout and compute
// pipeline for one entry point.
func (d *Device) CreatePipeline(desc *hal.PipelineDescriptor) (hal.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("wgpu: nil pipeline descriptor")
	}
	mod, ok := desc.Module.(*module)
	if !ok || mod == nil {
		return nil, fmt.Errorf("wgpu: pipeline %q: module was not created by this device", desc.Label)
	}
	if len(desc.Layout) == 0 {
		return nil, fmt.Errorf("wgpu: pipeline %q has an empty binding layout", desc.Label)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Layout))
	for i, k := range desc.Layout {
		bt, err := bindingType(k)
		if err != nil {
			return nil, fmt.Errorf("wgpu: pipeline %q slot %d: %w", desc.Label, i, err)
		}
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bt},
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	bgl, err := d.device.CreateBindGroupLayout(&wgpuhal.BindGroupLayoutDescriptor{
		Label:   desc.Label + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create bind group layout %q: %w", desc.Label, err)
	}
	pl, err := d.device.CreatePipelineLayout(&wgpuhal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_pipe_layout",
		BindGroupLayouts: []wgpuhal.BindGroupLayout{bgl},
	})
	if err != nil {
		d.device.DestroyBindGroupLayout(bgl)
		return nil, fmt.Errorf("wgpu: create pipeline layout %q: %w", desc.Label, err)
	}
	cp, err := d.device.CreateComputePipeline(&wgpuhal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  pl,
		Compute: wgpuhal.ComputeState{Module: mod.raw, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(pl)
		d.device.DestroyBindGroupLayout(bgl)
		return nil, fmt.Errorf("wgpu: create compute pipeline %q: %w", desc.Label, err)
	}

	layout := make([]hal.BindingKind, len(desc.Layout))
	copy(layout, desc.Layout)
	return &pipeline{
		device:        d,
		entryPoint:    desc.EntryPoint,
		layout:        layout,
		workgroupSize: desc.WorkgroupSize,
		bindLayout:    bgl,
		pipeLayout:    pl,
		raw:           cp,
	}, nil
}

// CreateQueue returns a handle on the device queue.
func (d *Device) CreateQueue() (hal.Queue, error) {
	return &queue{device: d}, nil
}

// Destroy waits for timed-out readbacks to finish, then releases the device
// and its instance.
func (d *Device) Destroy() {
	d.readbacks.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

// submitAndWait submits one command buffer and blocks on its fence for up to
// timeout. When the wait times out the copy is still pending: release is
// handed to a reaper that runs it once the fence signals, and pending is
// true. Otherwise the caller runs release. Callers hold d.mu.
func (d *Device) submitAndWait(cmd wgpuhal.CommandBuffer, timeout time.Duration, release func()) (pending bool, err error) {
	fence, err := d.device.CreateFence()
	if err != nil {
		return false, fmt.Errorf("create fence: %w", err)
	}
	if err := d.queue.Submit([]wgpuhal.CommandBuffer{cmd}, fence, 1); err != nil {
		d.device.DestroyFence(fence)
		return false, fmt.Errorf("submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, timeout)
	if err == nil && !ok {
		d.readbacks.Add(1)
		d.pending++
		go d.reapReadback(d.device, fence, release)
		return true, fmt.Errorf("wait for GPU: timed out after %s", timeout)
	}
	d.device.DestroyFence(fence)
	if err != nil {
		return false, fmt.Errorf("wait for GPU: %w", err)
	}
	return false, nil
}

func (d *Device) reapReadback(dev wgpuhal.Device, fence wgpuhal.Fence, release func()) {
	defer d.readbacks.Done()
	for {
		ok, err := dev.Wait(fence, 1, time.Second)
		if err != nil || ok {
			break
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev.DestroyFence(fence)
	release()
	d.pending--
	if d.pending == 0 {
		for _, fn := range d.deferred {
			fn()
		}
		d.deferred = nil
	}
}

type buffer struct {
	device *Device
	raw    wgpuhal.Buffer
	label  string
	size   uint64

	once sync.Once
}

func (b *buffer) Label() string { return b.label }
func (b *buffer) Size() uint64  { return b.size }

// Read copies the buffer into a mappable staging buffer and reads it back.
func (b *buffer) Read(offset uint64, dst []byte) error {
	end := offset + uint64(len(dst))
	if end < offset || end > b.size {
		return fmt.Errorf("wgpu: read [%d, %d) out of range for buffer %q of %d bytes", offset, end, b.label, b.size)
	}
	if len(dst) == 0 {
		return nil
	}

	d := b.device
	d.mu.Lock()
	defer d.mu.Unlock()

	staging, err := d.device.CreateBuffer(&wgpuhal.BufferDescriptor{
		Label: b.label + "_staging",
		Size:  uint64(len(dst)),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create staging buffer for %q: %w", b.label, err)
	}
	raw := d.device
	freeStaging := func() { raw.DestroyBuffer(staging) }

	encoder, err := raw.CreateCommandEncoder(&wgpuhal.CommandEncoderDescriptor{Label: b.label + "_readback"})
	if err != nil {
		freeStaging()
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(b.label + "_readback"); err != nil {
		freeStaging()
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(b.raw, staging, []wgpuhal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: uint64(len(dst))},
	})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		encoder.DiscardEncoding()
		freeStaging()
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}

	release := func() {
		raw.FreeCommandBuffer(cmd)
		freeStaging()
	}
	pending, err := d.submitAndWait(cmd, d.opts.readTimeout(), release)
	if pending {
		return fmt.Errorf("wgpu: readback of %q: %w", b.label, err)
	}
	defer release()
	if err != nil {
		return fmt.Errorf("wgpu: readback of %q: %w", b.label, err)
	}
	if err := d.queue.ReadBuffer(staging, 0, dst); err != nil {
		return fmt.Errorf("wgpu: readback of %q: %w", b.label, err)
	}
	return nil
}

// Destroy frees the buffer, or queues it while a timed-out readback may
// still be copying from it.
func (b *buffer) Destroy() {
	b.once.Do(func() {
		d := b.device
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.device == nil {
			return
		}
		raw, dev := b.raw, d.device
		if d.pending > 0 {
			d.deferred = append(d.deferred, func() { dev.DestroyBuffer(raw) })
			return
		}
		dev.DestroyBuffer(raw)
	})
}

type module struct {
	device *Device
	label  string
	raw    wgpuhal.ShaderModule
	once   sync.Once
}

func (m *module) Label() string { return m.label }

func (m *module) Destroy() {
	m.once.Do(func() {
		m.device.mu.Lock()
		defer m.device.mu.Unlock()
		if m.device.device != nil {
			m.device.device.DestroyShaderModule(m.raw)
		}
	})
}

type pipeline struct {
	device        *Device
	entryPoint    string
	layout        []hal.BindingKind
	workgroupSize hal.Size3

	bindLayout wgpuhal.BindGroupLayout
	pipeLayout wgpuhal.PipelineLayout
	raw        wgpuhal.ComputePipeline
	once       sync.Once
}

func (p *pipeline) EntryPoint() string        { return p.entryPoint }
func (p *pipeline) Layout() []hal.BindingKind { return p.layout }
func (p *pipeline) WorkgroupSize() hal.Size3  { return p.workgroupSize }

func (p *pipeline) Destroy() {
	p.once.Do(func() {
		p.device.mu.Lock()
		defer p.device.mu.Unlock()
		if p.device.device == nil {
			return
		}
		p.device.device.DestroyComputePipeline(p.raw)
		p.device.device.DestroyPipelineLayout(p.pipeLayout)
		p.device.device.DestroyBindGroupLayout(p.bindLayout)
	})
}
