package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/gpu-backend/internal/server"
	"github.com/fxnlabs/gpu-backend/internal/verify"
)

func selfTestCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Check every operation against the float64 reference",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
			&cli.Int64Flag{Name: "seed", Value: verify.DefaultConfig().Seed, Usage: "Input generator seed"},
		},
		Action: func(c *cli.Context) error {
			m, err := server.NewManager(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer m.Cleanup()

			cfg := verify.DefaultConfig()
			cfg.Seed = c.Int64("seed")
			report := verify.SelfTest(m.Backend(), cfg, e.log)

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(c.App.Writer, report)
			}
			if !report.Passed() {
				return cli.Exit(fmt.Sprintf("self test failed: %d operations", len(report.Failures())), 1)
			}
			return nil
		},
	}
}

func printReport(out io.Writer, r verify.Report) {
	fmt.Fprintf(out, "Device: %s\n", r.Device)
	for _, c := range r.Checks {
		status := "ok"
		switch {
		case c.Unsupported:
			status = "unsupported"
		case !c.Passed:
			status = "FAIL"
		}
		fmt.Fprintf(out, "  %-9s %-12s max error %.3g  %s", c.Op, status, c.MaxError, c.Duration)
		if c.Err != "" && !c.Unsupported {
			fmt.Fprintf(out, "  (%s)", c.Err)
		}
		fmt.Fprintln(out)
	}
}
