package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qforge/internal/export"
	"github.com/samcharles93/qforge/internal/logger"
	"github.com/samcharles93/qforge/pkg/quant"
)

func exportCmd() *cli.Command {
	var (
		outDir     string
		inputScale float64
		keepGoing  bool
	)

	flags := append([]cli.Flag{}, sourceFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output directory (default $" + envQforgeOutputDir + " or ./out)",
			Destination: &outDir,
		},
		&cli.FloatFlag{
			Name:        "input-scale",
			Usage:       "activation scale used to derive bias scales",
			Value:       quant.DefaultInputScale,
			Destination: &inputScale,
		},
		&cli.BoolFlag{
			Name:        "keep-going",
			Usage:       "skip layers whose blobs fail to write instead of aborting",
			Destination: &keepGoing,
		},
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Quantize convolution layers and write weights/ and configs/",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyExportConfig(cmd, config, &outDir, &inputScale, &keepGoing)

			src, err := openSource(weightsPath, layersPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			dir, defaulted := resolveOutDir(outDir)
			if defaulted {
				log.Debug("using default output directory", "dir", dir)
			}

			res, err := export.Run(ctx, src, export.RunOptions{
				OutDir: dir,
				Options: export.Options{
					InputScale: inputScale,
					KeepGoing:  keepGoing,
				},
			})
			if res != nil {
				printExportSummary(os.Stdout, res)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
			}
			return nil
		},
	}
}

func printExportSummary(w io.Writer, res *export.Result) {
	m := res.Manifest
	_, _ = fmt.Fprintf(w, "exported %d layer(s) to %s (skipped %d) in %s\n",
		m.Len(), res.Writer.Dir, res.Skipped, res.Duration.Round(time.Millisecond))
	for _, r := range m.Records() {
		_, _ = fmt.Fprintf(w, "  [%d] %-24s scale=%.8f zp=%d bias_scale=%.8f\n",
			r.Index, r.Name, r.Kernel.Scale, r.Kernel.ZeroPoint, r.BiasScale)
	}
}
