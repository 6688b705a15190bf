package model

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qforge/internal/safetensors"
	"github.com/samcharles93/qforge/internal/tensor"
)

func TestParseKind(t *testing.T) {
	t.Parallel()
	cases := map[string]Kind{
		"conv2d":             KindConv2D,
		"Conv2D":             KindConv2D,
		"DepthwiseConv2D":    KindDepthwiseConv2D,
		"depthwise_conv2d":   KindDepthwiseConv2D,
		"relu":               KindOther,
		"":                   KindOther,
		"BatchNormalization": KindOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseKind(in), "ParseKind(%q)", in)
	}
	assert.True(t, KindConv2D.ConvLike())
	assert.True(t, KindDepthwiseConv2D.ConvLike())
	assert.False(t, KindOther.ConvLike())
	assert.Equal(t, "depthwise_conv2d", KindDepthwiseConv2D.String())
}

func TestLayerWeights(t *testing.T) {
	t.Parallel()
	k := tensor.Tensor{Shape: []int{1}, Data: []float32{1}}
	l := Layer{Name: "c", Kind: KindConv2D, Weights: []tensor.Tensor{k}}
	_, ok := l.Kernel()
	assert.True(t, ok)
	_, ok = l.Bias()
	assert.False(t, ok)
	_, ok = Layer{}.Kernel()
	assert.False(t, ok)
}

func TestStaticHonoursCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Static{{Name: "a"}}.Layers(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDescription(t *testing.T) {
	t.Parallel()
	d, err := ParseDescription([]byte(`
weights: w.safetensors
layers:
  - name: conv1
    kind: Conv2D
    kernel: conv1.kernel
    bias: conv1.bias
  - name: act
    kind: relu
`))
	require.NoError(t, err)
	require.Len(t, d.Layers, 2)
	assert.Equal(t, "conv1.bias", d.Layers[0].Bias)
	assert.Equal(t, "w.safetensors", d.WeightsPath())

	bad := map[string]string{
		"empty":     "layers: []\n",
		"no name":   "layers:\n  - kind: conv2d\n",
		"duplicate": "layers:\n  - name: a\n  - name: a\n",
		"bias only": "layers:\n  - name: a\n    bias: a.bias\n",
		"not yaml":  "layers: [",
	}
	for name, doc := range bad {
		_, err := ParseDescription([]byte(doc))
		assert.Error(t, err, name)
	}
}

func writeModel(t *testing.T, dir string, entries []safetensors.Entry) string {
	t.Helper()
	path := filepath.Join(dir, "model.safetensors")
	require.NoError(t, safetensors.WriteFile(path, entries, nil))
	return path
}

func TestSafetensorsSourceWithDescription(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeModel(t, dir, []safetensors.Entry{
		{Name: "b.kernel", Shape: []int{1, 1, 2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "a.kernel", Shape: []int{1, 1, 1, 4}, Data: []float32{-1, 0, 1, 2}},
		{Name: "a.bias", Shape: []int{4}, Data: []float32{0.5, 0, 0, 0}},
	})
	descPath := filepath.Join(dir, "layers.yaml")
	require.NoError(t, os.WriteFile(descPath, []byte(`
weights: model.safetensors
layers:
  - name: convA
    kind: conv2d
    kernel: a.kernel
    bias: a.bias
  - name: pool
    kind: max_pooling2d
  - name: convB
    kind: depthwise_conv2d
    kernel: b.kernel
`), 0o644))

	desc, err := LoadDescription(descPath)
	require.NoError(t, err)
	src, err := NewSafetensorsSource("", desc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.safetensors"), src.Weights)

	layers, err := src.Layers(context.Background())
	require.NoError(t, err)
	require.Len(t, layers, 3)

	assert.Equal(t, "convA", layers[0].Name)
	assert.Equal(t, KindConv2D, layers[0].Kind)
	require.Len(t, layers[0].Weights, 2)
	assert.Equal(t, []float32{0.5, 0, 0, 0}, layers[0].Weights[1].Data)

	assert.Equal(t, KindOther, layers[1].Kind)
	assert.Empty(t, layers[1].Weights)

	assert.Equal(t, KindDepthwiseConv2D, layers[2].Kind)
	require.Len(t, layers[2].Weights, 1)
}

func TestSafetensorsSourceMissingTensor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeModel(t, dir, []safetensors.Entry{
		{Name: "a.kernel", Shape: []int{4}, Data: []float32{1, 2, 3, 4}},
	})
	desc, err := ParseDescription([]byte("layers:\n  - name: a\n    kind: conv2d\n    kernel: nope\n"))
	require.NoError(t, err)
	src, err := NewSafetensorsSource(path, desc)
	require.NoError(t, err)
	_, err = src.Layers(context.Background())
	assert.ErrorContains(t, err, "nope")
}

func TestNewSafetensorsSourceNeedsWeights(t *testing.T) {
	t.Parallel()
	_, err := NewSafetensorsSource(" ", nil)
	assert.Error(t, err)
}

func TestInferLayers(t *testing.T) {
	t.Parallel()
	path := writeModel(t, t.TempDir(), []safetensors.Entry{
		{Name: "conv1/kernel:0", Shape: []int{3, 3, 3, 2}, Data: make([]float32, 54)},
		{Name: "conv1/bias:0", Shape: []int{2}, Data: []float32{1, 2}},
		{Name: "conv_dw_1/depthwise_kernel:0", Shape: []int{3, 3, 2, 1}, Data: make([]float32, 18)},
		{Name: "bn.gamma", Shape: []int{2}, Data: []float32{1, 1}},
		{Name: "fc.weight", Shape: []int{2, 10}, Data: make([]float32, 20)},
		{Name: "fc.bias", Shape: []int{10}, Data: make([]float32, 10)},
	})
	src, err := NewSafetensorsSource(path, nil)
	require.NoError(t, err)
	layers, err := src.Layers(context.Background())
	require.NoError(t, err)

	require.Len(t, layers, 3)
	assert.Equal(t, "conv1", layers[0].Name)
	assert.Equal(t, KindConv2D, layers[0].Kind)
	assert.Len(t, layers[0].Weights, 2)
	assert.Equal(t, "conv_dw_1", layers[1].Name)
	assert.Equal(t, KindDepthwiseConv2D, layers[1].Kind)
	assert.Len(t, layers[1].Weights, 1)
	assert.Equal(t, "fc", layers[2].Name)
	assert.Equal(t, KindOther, layers[2].Kind)
}

func TestInferLayersBiasWithoutKernel(t *testing.T) {
	t.Parallel()
	path := writeModel(t, t.TempDir(), []safetensors.Entry{
		{Name: "x.bias", Shape: []int{2}, Data: []float32{1, 2}},
	})
	src, err := NewSafetensorsSource(path, nil)
	require.NoError(t, err)
	_, err = src.Layers(context.Background())
	assert.ErrorContains(t, err, "without kernel")
}

func TestSafetensorsSourceFetchesURLs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, safetensors.Write(&buf, []safetensors.Entry{
		{Name: "c.kernel", Shape: []int{1, 1, 1, 2}, Data: []float32{1, 2}},
	}, nil))

	var fetched string
	src, err := NewSafetensorsSource("s3://bucket/model.safetensors", nil)
	require.NoError(t, err)
	src.Fetch = func(_ context.Context, url string) ([]byte, error) {
		fetched = url
		return buf.Bytes(), nil
	}
	layers, err := src.Layers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/model.safetensors", fetched)
	require.Len(t, layers, 1)
	assert.Equal(t, KindConv2D, layers[0].Kind)

	src.Fetch = func(context.Context, string) ([]byte, error) { return nil, errors.New("denied") }
	_, err = src.Layers(context.Background())
	assert.ErrorContains(t, err, "denied")
}

func TestFetchURLLocalFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	data, err := fetchURL(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
