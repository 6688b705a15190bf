package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qforge/internal/codegen"
	"github.com/samcharles93/qforge/internal/export"
	"github.com/samcharles93/qforge/internal/model"
	"github.com/samcharles93/qforge/pkg/quant"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarise an export directory, or the layers a model would export",
		ArgsUsage: "[export-dir]",
		Flags:     sourceFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if weightsPath != "" || layersPath != "" {
				src, err := openSource(weightsPath, layersPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
				}
				layers, err := src.Layers(ctx)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load layers: %v", err), 1)
				}
				fmt.Printf("Model: %s\n", src.Weights)
				printLayerPlan(os.Stdout, layers)
				return nil
			}

			dir := cmd.Args().First()
			if dir == "" {
				dir, _ = resolveOutDir("")
			}
			if err := checkExportDir(dir); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := printExport(os.Stdout, dir); err != nil {
				return cli.Exit(fmt.Sprintf("error: inspect: %v", err), 1)
			}
			return nil
		},
	}
}

// printLayerPlan lists every layer and whether export would quantize it.
func printLayerPlan(w io.Writer, layers []model.Layer) {
	section(w, "Layers")
	next := 0
	for pos, l := range layers {
		kernel, hasKernel := l.Kernel()
		status := "skip"
		if l.Kind.ConvLike() && hasKernel {
			status = fmt.Sprintf("-> layer_%d", next)
			next++
		}
		biasShape := "-"
		if b, ok := l.Bias(); ok {
			biasShape = formatShape(b.Shape)
		}
		kernelShape := "-"
		if hasKernel {
			kernelShape = formatShape(kernel.Shape)
		}
		_, _ = fmt.Fprintf(w, "%3d  %-24s %-16s kernel=%-16s bias=%-8s %s\n",
			pos, l.Name, l.Kind, kernelShape, biasShape, status)
	}
	_, _ = fmt.Fprintf(w, "%d layer(s), %d to quantize\n", len(layers), next)
}

// printExport reports the manifest plus per-layer code statistics read back
// from the blobs.
func printExport(w io.Writer, dir string) error {
	m, err := export.ReadManifestJSON(dir)
	if err != nil {
		return err
	}
	section(w, "Export")
	row(w, "directory", dir)
	row(w, "input_scale", fmt.Sprintf("%g", m.InputScale))
	row(w, "layers", fmt.Sprintf("%d", m.Len()))

	var total uint64
	section(w, "Layers")
	for _, r := range m.Records() {
		kernel, err := export.ReadKernel(filepath.Join(dir, export.WeightsDirName, codegen.KernelFile(r.Index)), r.KernelSize())
		if err != nil {
			return err
		}
		bias, err := export.ReadBias(filepath.Join(dir, export.WeightsDirName, codegen.BiasFile(r.Index)), r.BiasSize())
		if err != nil {
			return err
		}
		ks := summarizeKernel(kernel, r.Kernel)
		lo, hi := int32Range(bias)
		total += r.KernelSize()*codegen.KernelElemBytes + r.BiasSize()*codegen.BiasElemBytes

		_, _ = fmt.Fprintf(w, "[%d] %s (%s)\n", r.Index, r.Name, r.Kind)
		_, _ = fmt.Fprintf(w, "    kernel %-16s scale=%.8f zp=%d codes=[%d,%d] saturated=%d real=[%.6g,%.6g]\n",
			formatShapeU32(r.KernelShape), r.Kernel.Scale, r.Kernel.ZeroPoint,
			ks.min, ks.max, ks.saturated, ks.realMin, ks.realMax)
		_, _ = fmt.Fprintf(w, "    bias   %-16s scale=%.8f codes=[%d,%d]\n",
			formatShapeU32(r.BiasShape), r.BiasScale, lo, hi)
	}
	row(w, "blob bytes", formatBytes(total))
	return nil
}

type kernelSummary struct {
	min, max         int8
	saturated        int
	realMin, realMax float64
}

func summarizeKernel(codes []int8, p quant.Params) kernelSummary {
	if len(codes) == 0 {
		return kernelSummary{}
	}
	s := kernelSummary{min: codes[0], max: codes[0]}
	for _, q := range codes {
		s.min = min(s.min, q)
		s.max = max(s.max, q)
		if q == quant.KernelMin || q == quant.KernelMax {
			s.saturated++
		}
	}
	s.realMin = quant.Dequantize(s.min, p)
	s.realMax = quant.Dequantize(s.max, p)
	return s
}

func int32Range(v []int32) (int32, int32) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi := v[0], v[0]
	for _, x := range v {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return lo, hi
}

func section(w io.Writer, title string) {
	line := strings.Repeat("-", len(title)+8)
	_, _ = fmt.Fprintf(w, "\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(w io.Writer, label, value string) {
	if value == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "%-24s %s\n", label+":", value)
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

func formatShapeU32(shape []uint32) string {
	ints := make([]int, len(shape))
	for i, d := range shape {
		ints[i] = int(d)
	}
	return formatShape(ints)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
