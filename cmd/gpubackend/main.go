package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/config"
	"github.com/fxnlabs/gpu-backend/internal/logger"
)

// env is filled in by the app's Before hook and read by every command.
type env struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func newApp(e *env) *cli.App {
	return &cli.App{
		Name:  "gpubackend",
		Usage: "Run and inspect the GPU compute backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config file; defaults apply when empty",
				EnvVars:     []string{"GPUBACKEND_CONFIG"},
				Destination: &e.configPath,
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "Override device.kind (auto, wgpu, software)",
			},
		},
		Before: func(c *cli.Context) error {
			cfg := config.Default()
			if e.configPath != "" {
				var err error
				cfg, err = config.LoadConfig(e.configPath)
				if err != nil {
					return err
				}
			}
			if kind := c.String("device"); kind != "" {
				cfg.Device.Kind = kind
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Format)
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.log = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(e),
			selfTestCommand(e),
			benchCommand(e),
			serveCommand(e),
		},
	}
}

func main() {
	e := &env{}
	if err := newApp(e).Run(os.Args); err != nil {
		if e.log != nil {
			e.log.Error("failed to run app", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
