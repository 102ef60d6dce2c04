// Package server exposes a backend over HTTP: health, device info, a self
// test, matrix multiplication and prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/config"
	"github.com/fxnlabs/gpu-backend/internal/gpu"
	"github.com/fxnlabs/gpu-backend/internal/hal/wgpu"
	"github.com/fxnlabs/gpu-backend/internal/metrics"
)

// DefaultListenAddress is used when the config names none.
const DefaultListenAddress = ":9464"

// NewManager selects a backend according to cfg.
func NewManager(cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	factories, err := gpu.FactoriesFor(cfg.Device.Kind,
		wgpu.Options{PreferDiscrete: cfg.Device.PreferDiscrete, ReadTimeout: cfg.Device.WaitTimeout},
		gpu.WithWaitTimeout(cfg.Device.WaitTimeout),
		gpu.WithWarm(cfg.Kernels.Warm),
	)
	if err != nil {
		return nil, err
	}
	return gpu.NewManager(log, factories...)
}

// Server serves the HTTP endpoints of one manager.
type Server struct {
	addr    string
	manager *gpu.Manager
	log     *zap.Logger
	srv     *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New builds a server for cfg. Nothing listens until Start.
func New(cfg *config.Config, manager *gpu.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		addr = DefaultListenAddress
	}
	s := &Server{
		addr:    addr,
		manager: manager,
		log:     log.Named("server"),
	}
	s.srv = &http.Server{
		Handler:           s.routes(cfg.Metrics.Enabled),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(withMetrics bool) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, path string, h http.Handler) {
		mux.Handle(pattern, metrics.Middleware(h, path, s.log))
	}
	handle("GET /healthz", "/healthz", HealthHandler(s.manager))
	handle("GET /v1/device", "/v1/device", DeviceHandler(s.manager))
	handle("POST /v1/selftest", "/v1/selftest", SelfTestHandler(s.manager, s.log))
	handle("POST /v1/matmul", "/v1/matmul", MatmulHandler(s.manager, s.log))
	if withMetrics {
		handle("GET /metrics", "/metrics", metrics.Handler())
	}
	return mux
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("Starting server on", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop drains in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping server")
	return s.srv.Shutdown(ctx)
}
