package gpu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/metrics"
)

// paramsSize is the byte size of every kernel params block. Uniform buffers
// are sized in 16 byte units.
const paramsSize = 16

// Allocator creates per-call device buffers and registers them with the
// caller's scope.
type Allocator struct {
	dev hal.Device
	log *zap.Logger
}

// NewAllocator returns an allocator on dev.
func NewAllocator(dev hal.Device, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{dev: dev, log: log.Named("allocator")}
}

func (a *Allocator) create(s *Scope, desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero length", ErrInvalidDimensions, desc.Label)
	}
	buf, err := a.dev.CreateBuffer(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d bytes): %v", ErrBufferAllocation, desc.Label, desc.Size, err)
	}
	s.TrackBuffer(buf)
	metrics.BufferBytesAllocated.Add(float64(desc.Size))
	a.log.Debug("allocated buffer", zap.String("label", desc.Label), zap.Uint64("bytes", desc.Size))
	return buf, nil
}

// Upload creates a storage buffer holding data.
func (a *Allocator) Upload(s *Scope, label string, data []float32) (hal.Buffer, error) {
	return a.UploadBytes(s, label, hal.BufferUsageStorage, float32Bytes(data))
}

// UploadUint32s creates a buffer holding data with the given usage.
func (a *Allocator) UploadUint32s(s *Scope, label string, usage hal.BufferUsage, data []uint32) (hal.Buffer, error) {
	return a.UploadBytes(s, label, usage, uint32Bytes(data))
}

// UploadBytes creates a buffer pre-filled with raw.
func (a *Allocator) UploadBytes(s *Scope, label string, usage hal.BufferUsage, raw []byte) (hal.Buffer, error) {
	return a.create(s, &hal.BufferDescriptor{
		Label:    label,
		Size:     uint64(len(raw)),
		Usage:    usage,
		Contents: raw,
	})
}

// UploadParams creates a uniform params block from up to four words.
func (a *Allocator) UploadParams(s *Scope, label string, words ...uint32) (hal.Buffer, error) {
	if len(words) > paramsSize/4 {
		return nil, fmt.Errorf("%w: %d params words exceed %d", ErrInvalidDimensions, len(words), paramsSize/4)
	}
	block := make([]uint32, paramsSize/4)
	copy(block, words)
	return a.UploadUint32s(s, label, hal.BufferUsageUniform, block)
}

// AllocScratch creates a zeroed storage buffer of byteLen bytes.
func (a *Allocator) AllocScratch(s *Scope, label string, byteLen uint64) (hal.Buffer, error) {
	return a.create(s, &hal.BufferDescriptor{
		Label: label,
		Size:  byteLen,
		Usage: hal.BufferUsageStorage,
	})
}

// ReadFloat32s copies the first n float32 values out of buf. The buffer must
// hold at least n*4 bytes; its contents are defined only after the dispatch
// that wrote it has completed.
func ReadFloat32s(buf hal.Buffer, n int) ([]float32, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative element count %d", ErrInvalidDimensions, n)
	}
	need := uint64(n) * 4
	if buf.Size() < need {
		return nil, fmt.Errorf("%w: %s holds %d bytes, need %d", ErrBufferSize, buf.Label(), buf.Size(), need)
	}
	if n == 0 {
		return []float32{}, nil
	}
	raw := make([]byte, need)
	if err := buf.Read(0, raw); err != nil {
		return nil, fmt.Errorf("read %s: %w", buf.Label(), err)
	}
	return bytesFloat32(raw), nil
}
