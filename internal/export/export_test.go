package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qforge/internal/codegen"
	"github.com/samcharles93/qforge/internal/logger"
	"github.com/samcharles93/qforge/internal/model"
	"github.com/samcharles93/qforge/internal/tensor"
	"github.com/samcharles93/qforge/pkg/quant"
)

func quietCtx() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func conv(name string, kernel tensor.Tensor, bias ...tensor.Tensor) model.Layer {
	return model.Layer{Name: name, Kind: model.KindConv2D, Weights: append([]tensor.Tensor{kernel}, bias...)}
}

func tt(shape []int, data ...float32) tensor.Tensor {
	return tensor.Tensor{Shape: shape, Data: data}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestRunConv1(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	src := model.Static{
		conv("conv1", tt([]int{1, 1, 1, 4}, -1, 0, 1, 2), tt([]int{4}, 0.5, 0, 0, 0)),
	}

	res, err := Run(quietCtx(), src, RunOptions{OutDir: out})
	require.NoError(t, err)
	require.Equal(t, 1, res.Manifest.Len())
	require.NotEmpty(t, res.RunID)

	rec, ok := res.Manifest.Lookup("conv1")
	require.True(t, ok)
	assert.Equal(t, uint32(0), rec.Index)
	assert.InDelta(t, 3.0/255.0, rec.Kernel.Scale, 1e-15)
	assert.Equal(t, int32(85), rec.Kernel.ZeroPoint)
	assert.Equal(t, []uint32{1, 1, 1, 4}, rec.KernelShape)
	assert.Equal(t, []uint32{4}, rec.BiasShape)

	kernel := readFile(t, filepath.Join(out, "weights", "layer_0_kernel.bin"))
	assert.Equal(t, []byte{0, 85, 127, 127}, kernel)

	bias := readFile(t, filepath.Join(out, "weights", "layer_0_bias.bin"))
	require.Len(t, bias, 16)
	assert.Equal(t, uint32(5419), binary.LittleEndian.Uint32(bias[0:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(bias[4:]))

	header := string(readFile(t, filepath.Join(out, "configs", codegen.HeaderFile)))
	assert.Contains(t, header, "#define NUM_QUANTIZED_LAYERS 1\n")
	assert.Contains(t, header, "    // conv1\n    {0.01176471f, 85, 0.00009227f},\n")

	loader := string(readFile(t, filepath.Join(out, "configs", codegen.LoaderFile)))
	assert.Contains(t, loader, "std::vector<int8_t> kernel_0(4);")
	assert.Contains(t, loader, "kernel_file_0.read((char*)kernel_0.data(), 4);")
	assert.Contains(t, loader, "bias_file_0.read((char*)bias_0.data(), 4 * sizeof(int32_t));")
}

func TestRunOrderAndSkipping(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	src := model.Static{
		{Name: "input", Kind: model.KindOther},
		conv("convA", tt([]int{1, 1, 1, 2}, -0.25, 0.5), tt([]int{2}, 0.1, -0.1)),
		{Name: "bn", Kind: model.KindOther, Weights: []tensor.Tensor{tt([]int{2}, 1, 1)}},
		{Name: "empty_conv", Kind: model.KindConv2D},
		{Name: "convB", Kind: model.KindDepthwiseConv2D, Weights: []tensor.Tensor{tt([]int{3, 3, 1, 1}, 1, 2, 3, 4, 5, 6, 7, 8, 9)}},
	}

	res, err := Run(quietCtx(), src, RunOptions{OutDir: out})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)

	recs := res.Manifest.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "convA", recs[0].Name)
	assert.Equal(t, uint32(0), recs[0].Index)
	assert.Equal(t, "convB", recs[1].Name)
	assert.Equal(t, uint32(1), recs[1].Index)
	assert.Equal(t, model.KindDepthwiseConv2D, recs[1].Kind)

	for _, name := range []string{"layer_0_kernel.bin", "layer_0_bias.bin", "layer_1_kernel.bin", "layer_1_bias.bin"} {
		assert.FileExists(t, filepath.Join(out, "weights", name))
	}
	assert.NoFileExists(t, filepath.Join(out, "weights", "layer_2_kernel.bin"))

	// convB had no bias: a zero bias of one output channel is synthesized.
	assert.Equal(t, []uint32{1}, recs[1].BiasShape)
	assert.Equal(t, []byte{0, 0, 0, 0}, readFile(t, filepath.Join(out, "weights", "layer_1_bias.bin")))

	header := string(readFile(t, filepath.Join(out, "configs", codegen.HeaderFile)))
	a := strings.Index(header, "// convA")
	b := strings.Index(header, "// convB")
	require.Positive(t, a)
	assert.Less(t, a, b)
}

func TestRunAllZeroKernel(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	src := model.Static{conv("zeros", tt([]int{2, 2}, 0, 0, 0, 0))}

	res, err := Run(quietCtx(), src, RunOptions{OutDir: out})
	require.NoError(t, err)
	rec, _ := res.Manifest.At(0)
	assert.Equal(t, quant.DegenerateScale, rec.Kernel.Scale)
	assert.Equal(t, int32(0), rec.Kernel.ZeroPoint)
	assert.Equal(t, []byte{0, 0, 0, 0}, readFile(t, filepath.Join(out, "weights", "layer_0_kernel.bin")))
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()
	src := model.Static{
		conv("c1", tt([]int{1, 1, 2, 3}, -0.3, 0.1, 0.7, 0.2, -0.9, 0.4), tt([]int{3}, 0.01, 0.02, -0.03)),
		conv("c2", tt([]int{1, 1, 3, 1}, 0.5, 0.6, 0.7)),
	}
	a, b := t.TempDir(), t.TempDir()
	_, err := Run(quietCtx(), src, RunOptions{OutDir: a})
	require.NoError(t, err)
	_, err = Run(quietCtx(), src, RunOptions{OutDir: b})
	require.NoError(t, err)

	var files []string
	require.NoError(t, filepath.WalkDir(a, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(a, path)
			files = append(files, rel)
		}
		return err
	}))
	assert.Len(t, files, 7)
	for _, rel := range files {
		assert.True(t, bytes.Equal(readFile(t, filepath.Join(a, rel)), readFile(t, filepath.Join(b, rel))), rel)
	}
}

func TestRunShapeMismatchWritesNothing(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	src := model.Static{
		conv("good", tt([]int{1, 2}, 1, 2), tt([]int{2}, 0, 0)),
		conv("bad", tt([]int{1, 2}, 1, 2), tt([]int{3}, 0, 0, 0)),
	}
	_, err := Run(quietCtx(), src, RunOptions{OutDir: out})
	require.ErrorIs(t, err, ErrShapeMismatch)

	var lerr *LayerError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "bad", lerr.Name)
	assert.Equal(t, 1, lerr.Position)
	assert.Equal(t, "quantize", lerr.Op)

	assert.FileExists(t, filepath.Join(out, "weights", "layer_0_kernel.bin"))
	assert.NoFileExists(t, filepath.Join(out, "weights", "layer_1_kernel.bin"))
	assert.NoFileExists(t, filepath.Join(out, "configs", codegen.HeaderFile))
}

func TestRunBiasOverflowIsFatal(t *testing.T) {
	t.Parallel()
	src := model.Static{conv("c", tt([]int{1, 2}, 0, 1e-6), tt([]int{2}, 1e6, 0))}
	_, err := Run(quietCtx(), src, RunOptions{OutDir: t.TempDir()})
	assert.ErrorIs(t, err, quant.ErrBiasOverflow)
}

func TestRunDuplicateName(t *testing.T) {
	t.Parallel()
	src := model.Static{
		conv("c", tt([]int{1}, 1)),
		conv("c", tt([]int{1}, 2)),
	}
	_, err := Run(quietCtx(), src, RunOptions{OutDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrDuplicateLayer)
}

func TestRunOutputDirError(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := Run(quietCtx(), model.Static{}, RunOptions{OutDir: file})
	assert.Error(t, err)
}

func TestRunCustomInputScale(t *testing.T) {
	t.Parallel()
	src := model.Static{conv("c", tt([]int{1, 2}, 0, 2.55), tt([]int{2}, 0.5, 0))}
	res, err := Run(quietCtx(), src, RunOptions{OutDir: t.TempDir(), Options: Options{InputScale: 0.5}})
	require.NoError(t, err)
	rec, _ := res.Manifest.Lookup("c")
	assert.InDelta(t, 0.005, rec.BiasScale, 1e-9)
	assert.Equal(t, 0.5, res.Manifest.InputScale)
}

type flakyBlobs struct {
	failAt  int
	calls   int
	kernels map[uint32][]int8
}

func (f *flakyBlobs) WriteKernel(index uint32, data []int8) error {
	f.calls++
	if f.calls == f.failAt {
		return &fs.PathError{Op: "write", Path: "layer_kernel.bin", Err: errors.New("disk full")}
	}
	if f.kernels == nil {
		f.kernels = make(map[uint32][]int8)
	}
	f.kernels[index] = data
	return nil
}

func (f *flakyBlobs) WriteBias(uint32, []int32) error { return nil }

func TestProcessWriteFailure(t *testing.T) {
	t.Parallel()
	layers := []model.Layer{
		conv("a", tt([]int{1}, 1)),
		conv("b", tt([]int{1}, 2)),
		conv("c", tt([]int{1}, 3)),
	}

	t.Run("fatal by default", func(t *testing.T) {
		t.Parallel()
		blobs := &flakyBlobs{failAt: 2}
		m, err := NewProcessor(blobs, Options{}).Process(quietCtx(), layers)
		var perr *fs.PathError
		require.ErrorAs(t, err, &perr)
		var lerr *LayerError
		require.ErrorAs(t, err, &lerr)
		assert.Equal(t, "write", lerr.Op)
		assert.Equal(t, "b", lerr.Name)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("keep going", func(t *testing.T) {
		t.Parallel()
		blobs := &flakyBlobs{failAt: 2}
		m, err := NewProcessor(blobs, Options{KeepGoing: true}).Process(quietCtx(), layers)
		require.Error(t, err)
		recs := m.Records()
		require.Len(t, recs, 2)
		assert.Equal(t, "a", recs[0].Name)
		assert.Equal(t, "c", recs[1].Name)
		assert.Equal(t, uint32(1), recs[1].Index)
		// A constant kernel collapses onto its zero-point: code 0.
		assert.Equal(t, []int8{0}, blobs.kernels[1])
	})
}

func TestProcessCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(quietCtx())
	cancel()
	_, err := NewProcessor(&flakyBlobs{}, Options{}).Process(ctx, []model.Layer{conv("a", tt([]int{1}, 1))})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessRejectsBadInputScale(t *testing.T) {
	t.Parallel()
	_, err := NewProcessor(&flakyBlobs{}, Options{InputScale: -1}).Process(quietCtx(), nil)
	assert.Error(t, err)
}

func TestRunKeepGoingRendersSurvivors(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	// A directory where the second kernel blob should go makes that write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(out, "weights", "layer_1_kernel.bin"), 0o755))
	src := model.Static{
		conv("a", tt([]int{2}, 0, 1)),
		conv("b", tt([]int{1}, 2)),
	}

	_, err := Run(quietCtx(), src, RunOptions{OutDir: out})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(out, "configs", codegen.HeaderFile))
	assert.True(t, errors.Is(statErr, fs.ErrNotExist), "sources must not be rendered on a fatal run")

	res, err := Run(quietCtx(), src, RunOptions{OutDir: out, Options: Options{KeepGoing: true}})
	require.Error(t, err)
	var lerr *LayerError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "b", lerr.Name)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Manifest.Len())

	header := string(readFile(t, filepath.Join(out, "configs", codegen.HeaderFile)))
	assert.Contains(t, header, "#define NUM_QUANTIZED_LAYERS 1\n")
	m, err := ReadManifestJSON(out)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestOnlyWriteFailures(t *testing.T) {
	t.Parallel()
	w := &LayerError{Op: "write", Err: errors.New("disk full")}
	q := &LayerError{Op: "quantize", Err: quant.ErrNonFinite}
	assert.True(t, onlyWriteFailures(w))
	assert.True(t, onlyWriteFailures(errors.Join(w, w)))
	assert.False(t, onlyWriteFailures(errors.Join(w, q)))
	assert.False(t, onlyWriteFailures(context.Canceled))
}
