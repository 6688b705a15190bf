package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qforge/internal/bench"
	"github.com/samcharles93/qforge/internal/logger"
)

func benchmarkCmd() *cli.Command {
	var (
		cpuPath       string
		accelPath     string
		args          []string
		iterations    int64
		timeout       time.Duration
		output        string
		targetSpeedup float64
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Time a CPU baseline against an accelerated inference executable",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "cpu",
				Usage:       "baseline inference executable",
				Required:    true,
				Destination: &cpuPath,
			},
			&cli.StringFlag{
				Name:        "accel",
				Aliases:     []string{"fpga"},
				Usage:       "accelerated inference executable",
				Required:    true,
				Destination: &accelPath,
			},
			&cli.StringSliceFlag{
				Name:        "arg",
				Usage:       "argument passed to both executables (repeatable)",
				Destination: &args,
			},
			&cli.Int64Flag{
				Name:        "iterations",
				Aliases:     []string{"n"},
				Usage:       "runs per executable",
				Value:       bench.DefaultIterations,
				Destination: &iterations,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "per-run timeout",
				Value:       bench.DefaultTimeout,
				Destination: &timeout,
			},
			&cli.StringFlag{
				Name:        "output",
				Usage:       "JSON summary path",
				Value:       "benchmark_results.json",
				Destination: &output,
			},
			&cli.FloatFlag{
				Name:        "target-speedup",
				Usage:       "speedup the accelerated build is expected to reach",
				Value:       bench.DefaultTargetSpeedup,
				Destination: &targetSpeedup,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if err := applyBenchmarkConfig(cmd, config, &iterations, &timeout); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			runner := bench.NewRunner(int(iterations), timeout)
			summary, err := runner.Compare(ctx,
				bench.Target{Name: "cpu", Path: cpuPath, Args: args},
				bench.Target{Name: "fpga", Path: accelPath, Args: args},
			)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: benchmark: %v", err), 1)
			}

			printBenchmark(os.Stdout, summary, targetSpeedup)
			if output != "" {
				if err := bench.WriteSummary(output, summary); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				log.Info("wrote benchmark summary", "path", output)
			}
			return nil
		},
	}
}

func printBenchmark(w io.Writer, s bench.Summary, target float64) {
	section(w, "Benchmark")
	for _, side := range []struct {
		label string
		st    bench.Stats
	}{{"cpu", s.CPU}, {"accelerated", s.FPGA}} {
		_, _ = fmt.Fprintf(w, "%-12s avg=%.2fms std=%.2fms p95=%.2fms fps=%.2f runs=%d failed=%d\n",
			side.label, side.st.AvgLatencyMS, side.st.StdDevMS, side.st.P95LatencyMS,
			side.st.FPS, side.st.Runs, side.st.Failed)
	}
	_, _ = fmt.Fprintf(w, "speedup:     %.2fx\n", s.Speedup)
	if s.TargetMet(target) {
		_, _ = fmt.Fprintf(w, "target %.1fx reached\n", target)
	} else {
		_, _ = fmt.Fprintf(w, "target %.1fx not reached\n", target)
	}
}
