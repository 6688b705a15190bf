package model

import (
	"context"
	"strings"

	"github.com/samcharles93/qforge/internal/tensor"
)

// Kind discriminates layers the exporter quantizes from everything else.
type Kind uint8

const (
	KindOther Kind = iota
	KindConv2D
	KindDepthwiseConv2D
)

func (k Kind) String() string {
	switch k {
	case KindConv2D:
		return "conv2d"
	case KindDepthwiseConv2D:
		return "depthwise_conv2d"
	default:
		return "other"
	}
}

// ConvLike reports whether layers of this kind carry a quantizable kernel.
func (k Kind) ConvLike() bool {
	return k == KindConv2D || k == KindDepthwiseConv2D
}

// ParseKind accepts snake_case and framework class names. Unknown names are
// KindOther rather than an error: the exporter only has to recognise what it
// quantizes.
func ParseKind(s string) Kind {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch norm {
	case "conv", "conv2d", "convolution", "convolution2d":
		return KindConv2D
	case "depthwiseconv2d", "depthwiseconv", "dwconv", "dwconv2d", "convdw":
		return KindDepthwiseConv2D
	default:
		return KindOther
	}
}

// Layer is one entry of a model's traversal order. Weights are ordered kernel
// first and bias second; either may be absent.
type Layer struct {
	Name    string
	Kind    Kind
	Weights []tensor.Tensor
}

// Kernel returns the first weight tensor.
func (l Layer) Kernel() (tensor.Tensor, bool) {
	if len(l.Weights) == 0 {
		return tensor.Tensor{}, false
	}
	return l.Weights[0], true
}

// Bias returns the second weight tensor.
func (l Layer) Bias() (tensor.Tensor, bool) {
	if len(l.Weights) < 2 {
		return tensor.Tensor{}, false
	}
	return l.Weights[1], true
}

// Source supplies layers in traversal order. The order is significant: the
// generated loader indexes layers positionally.
type Source interface {
	Layers(ctx context.Context) ([]Layer, error)
}

// Static is a Source over an in-memory layer list.
type Static []Layer

func (s Static) Layers(ctx context.Context) ([]Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Layer, len(s))
	copy(out, s)
	return out, nil
}
