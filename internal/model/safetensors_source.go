package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/viant/afs"

	"github.com/samcharles93/qforge/internal/safetensors"
	"github.com/samcharles93/qforge/internal/tensor"
)

var fileSystem = afs.New()

// FetchFunc downloads a remote weights file.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

// SafetensorsSource reads layers from a safetensors file. With a Description
// the layer order and kinds come from it; otherwise they are inferred from
// tensor names in payload order (see InferLayers).
type SafetensorsSource struct {
	// Weights is a local path or a URL (s3://, gs://, file://, ...).
	Weights     string
	Description *Description

	// Fetch overrides how URLs are downloaded. Nil uses viant/afs.
	Fetch FetchFunc
}

// NewSafetensorsSource builds a source. An empty weights path falls back to
// the description's own weights reference.
func NewSafetensorsSource(weights string, desc *Description) (*SafetensorsSource, error) {
	weights = strings.TrimSpace(weights)
	if weights == "" && desc != nil {
		weights = desc.WeightsPath()
	}
	if weights == "" {
		return nil, errors.New("no weights file given and the layer description names none")
	}
	return &SafetensorsSource{Weights: weights, Description: desc}, nil
}

func (s *SafetensorsSource) Layers(ctx context.Context) ([]Layer, error) {
	st, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	if s.Description != nil {
		return describedLayers(ctx, st, s.Description)
	}
	return InferLayers(ctx, st)
}

func (s *SafetensorsSource) open(ctx context.Context) (*safetensors.File, error) {
	if !isURL(s.Weights) {
		return safetensors.Open(s.Weights)
	}
	fetch := s.Fetch
	if fetch == nil {
		fetch = fetchURL
	}
	data, err := fetch(ctx, s.Weights)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.Weights, err)
	}
	return safetensors.OpenBytes(s.Weights, data)
}

func fetchURL(ctx context.Context, url string) ([]byte, error) {
	r, err := fileSystem.OpenURL(ctx, url)
	if err != nil {
		return nil, err
	}
	data, readErr := io.ReadAll(r)
	return data, errors.Join(readErr, r.Close())
}

func describedLayers(ctx context.Context, st *safetensors.File, d *Description) ([]Layer, error) {
	layers := make([]Layer, 0, len(d.Layers))
	for _, ld := range d.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := Layer{Name: ld.Name, Kind: ParseKind(ld.Kind)}
		for _, ref := range []string{ld.Kernel, ld.Bias} {
			if ref == "" {
				break
			}
			t, err := tensor.LoadSafetensors(st, ref)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", ld.Name, err)
			}
			l.Weights = append(l.Weights, t)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

type tensorRole uint8

const (
	roleNone tensorRole = iota
	roleKernel
	roleBias
)

// splitTensorName splits "<layer>.<role>" (also "/" and ":0" Keras style).
func splitTensorName(name string) (string, tensorRole) {
	base := strings.TrimSuffix(name, ":0")
	i := strings.LastIndexAny(base, "./")
	if i <= 0 {
		return "", roleNone
	}
	switch base[i+1:] {
	case "kernel", "weight", "weights", "depthwise_kernel":
		return base[:i], roleKernel
	case "bias":
		return base[:i], roleBias
	default:
		return "", roleNone
	}
}

// InferLayers derives layers from tensor names when no description is given.
// Layers appear in the payload order of their first tensor. Kernels of rank 3
// or more are convolutions, depthwise when the layer or tensor name says so;
// lower-rank kernels are KindOther. Tensors not named kernel/weight/bias are
// ignored.
func InferLayers(ctx context.Context, st *safetensors.File) ([]Layer, error) {
	type pending struct {
		name       string
		kernel     string
		bias       string
		depthwise  bool
		kernelRank int
	}
	var order []*pending
	byName := make(map[string]*pending)

	for _, tname := range st.Names() {
		layer, role := splitTensorName(tname)
		if role == roleNone {
			continue
		}
		p, ok := byName[layer]
		if !ok {
			p = &pending{name: layer}
			byName[layer] = p
			order = append(order, p)
		}
		switch role {
		case roleKernel:
			if p.kernel != "" {
				return nil, fmt.Errorf("layer %s: multiple kernels (%s, %s)", layer, p.kernel, tname)
			}
			info, _ := st.Tensor(tname)
			p.kernel = tname
			p.kernelRank = len(info.Shape)
			p.depthwise = strings.Contains(tname, "depthwise") || isDepthwiseName(layer)
		case roleBias:
			if p.bias != "" {
				return nil, fmt.Errorf("layer %s: multiple biases (%s, %s)", layer, p.bias, tname)
			}
			p.bias = tname
		}
	}

	layers := make([]Layer, 0, len(order))
	for _, p := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.kernel == "" {
			return nil, fmt.Errorf("layer %s: bias %s without kernel", p.name, p.bias)
		}
		l := Layer{Name: p.name, Kind: KindOther}
		if p.kernelRank >= 3 {
			l.Kind = KindConv2D
			if p.depthwise {
				l.Kind = KindDepthwiseConv2D
			}
		}
		for _, ref := range []string{p.kernel, p.bias} {
			if ref == "" {
				break
			}
			t, err := tensor.LoadSafetensors(st, ref)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", p.name, err)
			}
			l.Weights = append(l.Weights, t)
		}
		layers = append(layers, l)
	}
	return layers, nil
}

func isDepthwiseName(layer string) bool {
	lower := strings.ToLower(layer)
	if strings.Contains(lower, "depthwise") {
		return true
	}
	for _, part := range strings.FieldsFunc(lower, func(r rune) bool { return r == '_' || r == '.' || r == '/' || r == '-' }) {
		if part == "dw" {
			return true
		}
	}
	return false
}
