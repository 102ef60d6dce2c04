package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
	"github.com/fxnlabs/gpu-backend/internal/server"
)

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print the selected device, its features and theoretical throughput",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-banner", Usage: "Skip the ASCII banner"},
		},
		Action: func(c *cli.Context) error {
			m, err := server.NewManager(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			out := c.App.Writer
			if !c.Bool("no-banner") {
				fmt.Fprintln(out, figure.NewFigure("GPU Backend", "", true).String())
			}
			printInfo(out, m)
			return nil
		},
	}
}

func printInfo(out io.Writer, m *gpu.Manager) {
	b := m.Backend()
	info := b.Info()
	fmt.Fprintf(out, "Backend:     %s\n", m.BackendType())
	fmt.Fprintf(out, "Device:      %s\n", info.Name)
	fmt.Fprintf(out, "Driver:      %s\n", info.Backend)
	fmt.Fprintf(out, "Type:        %s (%s)\n", b.DeviceType(), info.Type)
	fmt.Fprintf(out, "Throughput:  %.1f GFLOPS (theoretical)\n", b.DeviceFLOPS()/1e9)

	features := b.Features()
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(out, "Features:")
	for _, name := range names {
		f := features[name]
		mark := "no"
		if f.Supported {
			mark = "yes"
		}
		fmt.Fprintf(out, "  %-6s %-4s %s\n", name, mark, f.Description)
	}

	stats := b.CacheStats()
	fmt.Fprintf(out, "Kernels:     %d pipelines in %d modules\n", stats.Pipelines, stats.Modules)
}
