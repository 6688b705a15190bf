package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/qforge/internal/export"
	"github.com/samcharles93/qforge/internal/model"
)

const envQforgeOutputDir = "QFORGE_OUTPUT_DIR"

// resolveOutDir picks the export directory: the flag, then QFORGE_OUTPUT_DIR,
// then ./out. The bool reports whether a default was used.
func resolveOutDir(outFlag string) (string, bool) {
	if out := strings.TrimSpace(outFlag); out != "" {
		return filepath.Clean(out), false
	}
	if env := strings.TrimSpace(os.Getenv(envQforgeOutputDir)); env != "" {
		return filepath.Clean(env), true
	}
	return filepath.Join(".", "out"), true
}

// openSource builds the layer source from --weights and --layers.
func openSource(weights, layers string) (*model.SafetensorsSource, error) {
	var desc *model.Description
	if p := strings.TrimSpace(layers); p != "" {
		d, err := model.LoadDescription(p)
		if err != nil {
			return nil, err
		}
		desc = d
	}
	if strings.TrimSpace(weights) == "" && desc == nil {
		return nil, errors.New("--weights is required unless --layers names a weights file")
	}
	return model.NewSafetensorsSource(weights, desc)
}

// checkExportDir verifies dir looks like an export before tooling reads it.
func checkExportDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	manifest := filepath.Join(dir, export.ConfigsDirName, export.ManifestFile)
	if _, err := os.Stat(manifest); err != nil {
		return fmt.Errorf("%s has no %s/%s; run qforge export first", dir, export.ConfigsDirName, export.ManifestFile)
	}
	return nil
}
