package main

import (
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
	"github.com/fxnlabs/gpu-backend/internal/server"
)

func benchCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure matmul and elementwise throughput",
		Flags: []cli.Flag{
			&cli.IntSliceFlag{Name: "size", Value: cli.NewIntSlice(64, 128, 256), Usage: "Square matmul sizes"},
			&cli.IntFlag{Name: "length", Value: 1 << 20, Usage: "Elementwise vector length"},
			&cli.IntFlag{Name: "iterations", Value: 5, Usage: "Timed runs per case"},
		},
		Action: func(c *cli.Context) error {
			m, err := server.NewManager(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			iterations := c.Int("iterations")
			if iterations <= 0 {
				return fmt.Errorf("iterations must be positive, got %d", iterations)
			}
			out := c.App.Writer
			b := m.Backend()
			fmt.Fprintf(out, "Device: %s (%.1f GFLOPS theoretical)\n", b.Info().Name, b.DeviceFLOPS()/1e9)
			for _, size := range c.IntSlice("size") {
				if err := benchMatmul(out, b, size, iterations); err != nil {
					return err
				}
			}
			return benchAdd(out, b, c.Int("length"), iterations)
		},
	}
}

func benchMatmul(out io.Writer, b *gpu.Backend, size, iterations int) error {
	x := make([]float32, size*size)
	y := make([]float32, size*size)
	for i := range x {
		x[i] = float32(i%100) / 100.0
		y[i] = float32((i+1)%100) / 100.0
	}

	// Warm up
	if _, err := b.Matmul(x, y, size, size, size); err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := b.Matmul(x, y, size, size, size); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	flops := float64(2*size*size*size) * float64(iterations)
	fmt.Fprintf(out, "  matmul %5d: %10s/op  %8.2f GFLOPS\n",
		size, elapsed/time.Duration(iterations), flops/elapsed.Seconds()/1e9)
	return nil
}

func benchAdd(out io.Writer, b *gpu.Backend, n, iterations int) error {
	x := make([]float32, n)
	y := make([]float32, n)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(n - i)
	}

	start := time.Now()
	for i := 0; i < iterations; i++ {
		if _, err := b.Add(x, y); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	bytes := float64(n*4*3) * float64(iterations)
	fmt.Fprintf(out, "  add %8d: %10s/op  %8.2f GB/s\n",
		n, elapsed/time.Duration(iterations), bytes/elapsed.Seconds()/1e9)
	return nil
}
