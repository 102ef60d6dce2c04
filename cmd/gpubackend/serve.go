package main

import (
	"context"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/config"
	"github.com/fxnlabs/gpu-backend/internal/server"
)

func serveCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve health, device, compute and metrics endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Override metrics.listenAddress"},
		},
		Action: func(c *cli.Context) error {
			if addr := c.String("listen"); addr != "" {
				e.cfg.Metrics.ListenAddress = addr
			}

			app := fx.New(
				fx.Supply(e.cfg, e.log),
				server.Logger,
				server.Module,
				fx.Invoke(func(cfg *config.Config, s *server.Server) {
					e.log.Info("server configured",
						zap.String("address", s.Addr()),
						zap.String("device", cfg.Device.Kind),
						zap.Bool("metrics", cfg.Metrics.Enabled),
					)
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			sig := <-app.Done()
			e.log.Info("shutting down", zap.String("signal", sig.String()))

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}
