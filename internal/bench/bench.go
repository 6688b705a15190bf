// Package bench times two inference executables (a CPU baseline and an
// accelerated build) and summarises their latency.
package bench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/qforge/internal/logger"
)

const (
	DefaultIterations    = 100
	DefaultTimeout       = 30 * time.Second
	DefaultTargetSpeedup = 2.0
	progressEvery        = 10
)

// Target is one executable to time.
type Target struct {
	Name string
	Path string
	Args []string
}

// Stats are latency statistics in milliseconds over successful runs.
type Stats struct {
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	StdDevMS     float64 `json:"std_dev_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	FPS          float64 `json:"fps"`
	Runs         int     `json:"runs"`
	Failed       int     `json:"failed"`
}

// Summary compares the baseline against the accelerated target.
type Summary struct {
	CPU     Stats   `json:"cpu"`
	FPGA    Stats   `json:"fpga"`
	Speedup float64 `json:"speedup"`
}

// Runner executes targets. Exec and Clock are seams for tests.
type Runner struct {
	Iterations int
	Timeout    time.Duration

	Exec  func(ctx context.Context, t Target) error
	Clock func() time.Time
}

func NewRunner(iterations int, timeout time.Duration) *Runner {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		Iterations: iterations,
		Timeout:    timeout,
		Exec:       runProcess,
		Clock:      time.Now,
	}
}

func runProcess(ctx context.Context, t Target) error {
	// Stdout and stderr stay nil so the child's output is discarded.
	return exec.CommandContext(ctx, t.Path, t.Args...).Run()
}

// Measure runs t Iterations times and returns the latency of each successful
// run in milliseconds. Timed-out or failing runs are logged and skipped.
func (r *Runner) Measure(ctx context.Context, t Target) ([]float64, int, error) {
	log := logger.FromContext(ctx).With("target", t.Name)
	log.Info("running benchmark", "path", t.Path, "iterations", r.Iterations)

	latencies := make([]float64, 0, r.Iterations)
	failed := 0
	for i := range r.Iterations {
		if err := ctx.Err(); err != nil {
			return latencies, failed, err
		}
		runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		start := r.Clock()
		err := r.Exec(runCtx, t)
		elapsed := r.Clock().Sub(start)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case timedOut:
			failed++
			log.Warn("iteration timed out", "iteration", i+1, "timeout", r.Timeout)
		case err != nil:
			failed++
			log.Warn("iteration failed", "iteration", i+1, "error", err)
		default:
			latencies = append(latencies, float64(elapsed)/float64(time.Millisecond))
		}
		if (i+1)%progressEvery == 0 {
			log.Info("progress", "done", i+1, "of", r.Iterations)
		}
	}
	return latencies, failed, nil
}

// Summarize computes mean, sample standard deviation, the 95th percentile as
// sorted[int(n*0.95)], and throughput as 1000/mean frames per second.
func Summarize(latencies []float64) Stats {
	n := len(latencies)
	if n == 0 {
		return Stats{}
	}
	mean := stat.Mean(latencies, nil)
	var sd float64
	if n > 1 {
		sd = stat.StdDev(latencies, nil)
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	p95 := sorted[min(int(float64(n)*0.95), n-1)]

	var fps float64
	if mean > 0 {
		fps = 1000.0 / mean
	}
	return Stats{
		AvgLatencyMS: mean,
		StdDevMS:     sd,
		P95LatencyMS: p95,
		FPS:          fps,
		Runs:         n,
	}
}

// Compare measures both targets in turn and derives the speedup of the
// accelerated one. Speedup is 0 when either side had no successful run.
func (r *Runner) Compare(ctx context.Context, baseline, accelerated Target) (Summary, error) {
	var s Summary
	for _, side := range []struct {
		t   Target
		out *Stats
	}{{baseline, &s.CPU}, {accelerated, &s.FPGA}} {
		lat, failed, err := r.Measure(ctx, side.t)
		if err != nil {
			return Summary{}, err
		}
		*side.out = Summarize(lat)
		side.out.Failed = failed
	}
	if s.CPU.Runs > 0 && s.FPGA.Runs > 0 && s.FPGA.AvgLatencyMS > 0 {
		s.Speedup = s.CPU.AvgLatencyMS / s.FPGA.AvgLatencyMS
	}
	return s, nil
}

// TargetMet reports whether the speedup reaches target.
func (s Summary) TargetMet(target float64) bool {
	return s.Speedup >= target && !math.IsNaN(s.Speedup)
}

// WriteSummary stores s as indented JSON.
func WriteSummary(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write benchmark summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary written by WriteSummary.
func ReadSummary(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("parse benchmark summary: %w", err)
	}
	return s, nil
}
