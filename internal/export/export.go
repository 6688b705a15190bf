// Package export turns a model's convolution weights into the artifact set a
// native accelerator loader consumes: per-layer int8 kernel and int32 bias
// blobs, a parameter table header and a loader routine.
//
// Runs are sequential and deterministic. Exporting an unchanged model twice
// yields byte-identical output.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/qforge/internal/logger"
	"github.com/samcharles93/qforge/internal/model"
)

// RunOptions configure Run.
type RunOptions struct {
	Options

	// OutDir receives weights/ and configs/.
	OutDir string
}

// Result summarises a finished run.
type Result struct {
	RunID    string
	Manifest *Manifest
	Writer   *Writer
	Skipped  int
	Duration time.Duration
}

// Run exports every convolution-like layer of src into opts.OutDir. Source
// files are rendered only once all blobs are written; on error the output
// directory is incomplete and must not be used. With KeepGoing, layers whose
// blobs failed to write are left out, the sources describe the rest, and the
// joined write errors are returned together with the result.
func Run(ctx context.Context, src model.Source, opts RunOptions) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("run_id", runID)
	ctx = logger.WithContext(ctx, log)

	w, err := NewWriter(opts.OutDir)
	if err != nil {
		return nil, err
	}

	layers, err := src.Layers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load layers: %w", err)
	}
	log.Info("exporting", "layers", len(layers), "out", w.Dir)

	m, procErr := NewProcessor(w, opts.Options).Process(ctx, layers)
	if procErr != nil && !(opts.KeepGoing && onlyWriteFailures(procErr)) {
		return nil, procErr
	}
	if m.Len() == 0 {
		log.Warn("no convolution layers with weights found; generated table is empty")
	}

	if err := w.WriteSources(m); err != nil {
		return nil, err
	}
	if err := w.WriteManifestJSON(m); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:    runID,
		Manifest: m,
		Writer:   w,
		Skipped:  len(layers) - m.Len(),
		Duration: time.Since(start),
	}
	if procErr != nil {
		log.Warn("export finished with failed layers", "quantized", m.Len(), "error", procErr)
		return res, procErr
	}
	log.Info("export complete", "quantized", m.Len(), "skipped", res.Skipped, "took", res.Duration)
	return res, nil
}

// onlyWriteFailures reports whether err consists solely of per-layer write
// failures, the one class keep-going runs tolerate.
func onlyWriteFailures(err error) bool {
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		var lerr *LayerError
		if !errors.As(e, &lerr) || lerr.Op != "write" {
			return false
		}
	}
	return len(errs) > 0
}
