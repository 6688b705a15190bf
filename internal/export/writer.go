package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qforge/internal/codegen"
)

const (
	WeightsDirName = "weights"
	ConfigsDirName = "configs"
	ManifestFile   = "manifest.json"
)

// BlobWriter persists the quantized tensors of one layer.
type BlobWriter interface {
	WriteKernel(index uint32, data []int8) error
	WriteBias(index uint32, data []int32) error
}

// Writer lays out an export directory:
//
//	<dir>/weights/layer_<i>_kernel.bin
//	<dir>/weights/layer_<i>_bias.bin
//	<dir>/configs/quant_params.h
//	<dir>/configs/load_weights.cpp
//	<dir>/configs/manifest.json
//
// Files are overwritten in place. A failed export leaves a mix of old and new
// files and must be rerun in full.
type Writer struct {
	Dir string
}

// NewWriter creates the directory layout under dir.
func NewWriter(dir string) (*Writer, error) {
	w := &Writer{Dir: filepath.Clean(dir)}
	for _, d := range []string{w.WeightsDir(), w.ConfigsDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return w, nil
}

func (w *Writer) WeightsDir() string { return filepath.Join(w.Dir, WeightsDirName) }
func (w *Writer) ConfigsDir() string { return filepath.Join(w.Dir, ConfigsDirName) }

func (w *Writer) KernelPath(index uint32) string {
	return filepath.Join(w.WeightsDir(), codegen.KernelFile(index))
}

func (w *Writer) BiasPath(index uint32) string {
	return filepath.Join(w.WeightsDir(), codegen.BiasFile(index))
}

// WriteKernel dumps int8 codes, one byte each, row-major, no framing.
func (w *Writer) WriteKernel(index uint32, data []int8) error {
	buf := make([]byte, len(data))
	for i, v := range data {
		buf[i] = byte(v)
	}
	return writeFile(w.KernelPath(index), func(out io.Writer) error {
		_, err := out.Write(buf)
		return err
	})
}

// WriteBias dumps int32 codes little-endian, row-major, no framing.
func (w *Writer) WriteBias(index uint32, data []int32) error {
	return writeFile(w.BiasPath(index), func(out io.Writer) error {
		return binary.Write(out, binary.LittleEndian, data)
	})
}

// WriteSources renders quant_params.h and load_weights.cpp from a complete
// manifest.
func (w *Writer) WriteSources(m *Manifest) error {
	layers := m.CodegenLayers()
	if err := writeFile(filepath.Join(w.ConfigsDir(), codegen.HeaderFile), func(out io.Writer) error {
		return codegen.RenderHeader(out, layers)
	}); err != nil {
		return err
	}
	return writeFile(filepath.Join(w.ConfigsDir(), codegen.LoaderFile), func(out io.Writer) error {
		return codegen.RenderLoader(out, layers)
	})
}

// WriteManifestJSON stores the manifest for tooling. The document carries no
// timestamps so reruns stay byte-identical.
func (w *Writer) WriteManifestJSON(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeFile(filepath.Join(w.ConfigsDir(), ManifestFile), func(out io.Writer) error {
		_, err := out.Write(data)
		return err
	})
}

func writeFile(path string, fill func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	if err := fill(bw); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadManifestJSON loads configs/manifest.json from an export directory.
func ReadManifestJSON(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigsDirName, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ReadKernel loads a kernel blob and checks it holds want elements.
func ReadKernel(path string, want uint64) ([]int8, error) {
	raw, err := readSized(path, want*codegen.KernelElemBytes)
	if err != nil {
		return nil, err
	}
	out := make([]int8, len(raw))
	for i, b := range raw {
		out[i] = int8(b)
	}
	return out, nil
}

// ReadBias loads a bias blob and checks it holds want elements.
func ReadBias(path string, want uint64) ([]int32, error) {
	raw, err := readSized(path, want*codegen.BiasElemBytes)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(raw)/codegen.BiasElemBytes)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*codegen.BiasElemBytes:]))
	}
	return out, nil
}

func readSized(path string, wantBytes uint64) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != wantBytes {
		return nil, fmt.Errorf("%s: %d bytes, expected %d", path, len(raw), wantBytes)
	}
	return raw, nil
}
