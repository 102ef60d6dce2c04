package gpu

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/backend"
)

// Factory creates a backend on one kind of device.
type Factory struct {
	Name string
	New  func(log *zap.Logger) (*Backend, error)
}

// Manager handles backend selection and lifecycle
type Manager struct {
	backend *Backend
	name    string
	mu      sync.RWMutex
	logger  *zap.Logger
	base    *zap.Logger
}

// NewManager tries factories in order and keeps the first backend that
// comes up. Device and shader failures move on to the next factory; any
// other error aborts selection.
func NewManager(logger *zap.Logger, factories ...Factory) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger.Named("manager"),
		base:   logger,
	}

	if err := m.detectAndInitialize(factories); err != nil {
		return nil, err
	}

	return m, nil
}

// detectAndInitialize walks the candidate factories
func (m *Manager) detectAndInitialize(factories []Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tried error
	for _, f := range factories {
		b, err := f.New(m.base)
		if err == nil {
			m.backend = b
			m.name = f.Name
			m.logger.Info("selected backend", zap.String("backend", f.Name), zap.String("device", b.Info().Name))
			return nil
		}
		if errors.Is(err, ErrDeviceCreation) || errors.Is(err, ErrShaderCompilation) {
			m.logger.Warn("backend unavailable, trying next", zap.String("backend", f.Name), zap.Error(err))
			tried = multierr.Append(tried, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		return fmt.Errorf("initialize %s backend: %w", f.Name, err)
	}

	if tried != nil {
		return fmt.Errorf("%w: %w", ErrNoBackend, tried)
	}
	return ErrNoBackend
}

// Backend returns the current backend
func (m *Manager) Backend() *Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// IsGPUAvailable returns true if a hardware GPU backend is active
func (m *Manager) IsGPUAvailable() bool {
	b := m.Backend()
	return b != nil && b.Device() == backend.DeviceTypeGPU
}

// BackendType returns the name of the factory that produced the backend
func (m *Manager) BackendType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.backend == nil {
		return "none"
	}
	return m.name
}

// Cleanup releases resources held by the current backend
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backend != nil {
		if err := m.backend.Close(); err != nil {
			return err
		}
		m.backend = nil
	}
	return nil
}
