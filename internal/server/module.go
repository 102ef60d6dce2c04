package server

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/config"
	"github.com/fxnlabs/gpu-backend/internal/gpu"
)

// Module wires a Server and its backend manager. It needs a *config.Config
// and a *zap.Logger supplied by the caller.
var Module = fx.Module("server",
	fx.Provide(
		provideManager,
		New,
	),
	fx.Invoke(register),
)

// Logger routes fx's own events to the supplied zap logger.
var Logger = fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: log.Named("fx")}
})

func provideManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	m, err := NewManager(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Cleanup()
		},
	})
	return m, nil
}

func register(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
