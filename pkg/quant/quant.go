// Package quant implements per-tensor asymmetric affine quantization of
// convolution weights: int8 kernels with a scale and zero-point, and int32
// biases whose scale is derived from the kernel scale and the input scale.
//
// All arithmetic runs in float64 and rounds half to even, matching the
// reference numpy pipeline bit for bit.
package quant

import (
	"errors"
	"fmt"
	"math"
)

const (
	// KernelMin and KernelMax bound the stored int8 kernel codes.
	KernelMin = -128
	KernelMax = 127

	// Levels is the span between the observed min and max mapped onto codes.
	Levels = 255.0

	// DefaultInputScale is the scale of the 8-bit activation feeding every
	// layer (1/127.5 truncated). It is not tracked per layer.
	DefaultInputScale = 0.007843

	// DegenerateScale replaces the scale of a constant tensor.
	DegenerateScale = 1.0
)

var (
	ErrEmptyTensor       = errors.New("quant: empty tensor")
	ErrNonFinite         = errors.New("quant: non-finite value")
	ErrZeroPointOverflow = errors.New("quant: zero point overflows int32")
	ErrBiasOverflow      = errors.New("quant: bias code overflows int32")
	ErrInvalidScale      = errors.New("quant: scale must be positive and finite")
)

// Params are the affine parameters of a kernel: real ≈ Scale * (code - ZeroPoint).
type Params struct {
	Scale     float64
	ZeroPoint int32
}

// KernelTensor is an int8 kernel with the parameters that produced it.
type KernelTensor struct {
	Shape  []int
	Data   []int8
	Params Params
}

// BiasTensor is a zero-centred int32 bias.
type BiasTensor struct {
	Shape []int
	Data  []int32
	Scale float64
}

// KernelParams derives scale and zero-point from the observed value range.
// The zero-point is deliberately not clamped to the int8 code range.
func KernelParams(data []float32) (Params, error) {
	if len(data) == 0 {
		return Params{}, ErrEmptyTensor
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Params{}, fmt.Errorf("%w at element %d", ErrNonFinite, i)
		}
		lo = min(lo, f)
		hi = max(hi, f)
	}

	scale := (hi - lo) / Levels
	if hi == lo || scale <= 0 {
		scale = DegenerateScale
	}

	zp := math.RoundToEven(-lo / scale)
	if zp < math.MinInt32 || zp > math.MaxInt32 {
		return Params{}, fmt.Errorf("%w: %g", ErrZeroPointOverflow, zp)
	}
	return Params{Scale: scale, ZeroPoint: int32(zp)}, nil
}

// QuantizeKernel maps every element to round(v/scale + zp) clamped to int8.
// data is row-major with the given shape; the shape is carried through as is.
func QuantizeKernel(shape []int, data []float32) (KernelTensor, error) {
	p, err := KernelParams(data)
	if err != nil {
		return KernelTensor{}, err
	}
	out := make([]int8, len(data))
	zp := float64(p.ZeroPoint)
	for i, v := range data {
		out[i] = clampInt8(math.RoundToEven(float64(v)/p.Scale + zp))
	}
	return KernelTensor{
		Shape:  append([]int(nil), shape...),
		Data:   out,
		Params: p,
	}, nil
}

// BiasScale is kernelScale * inputScale.
func BiasScale(kernelScale, inputScale float64) float64 {
	return kernelScale * inputScale
}

// QuantizeBias maps every element to round(v / (kernelScale*inputScale)).
// Codes are not clamped; a code outside int32 is an error, never a wrap.
func QuantizeBias(shape []int, data []float32, kernelScale, inputScale float64) (BiasTensor, error) {
	scale := BiasScale(kernelScale, inputScale)
	if !(scale > 0) || math.IsInf(scale, 0) {
		return BiasTensor{}, fmt.Errorf("%w: bias scale %g", ErrInvalidScale, scale)
	}
	out := make([]int32, len(data))
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return BiasTensor{}, fmt.Errorf("%w at bias element %d", ErrNonFinite, i)
		}
		q := math.RoundToEven(f / scale)
		if q < math.MinInt32 || q > math.MaxInt32 {
			return BiasTensor{}, fmt.Errorf("%w: element %d = %g (scale %g)", ErrBiasOverflow, i, f, scale)
		}
		out[i] = int32(q)
	}
	return BiasTensor{
		Shape: append([]int(nil), shape...),
		Data:  out,
		Scale: scale,
	}, nil
}

// Dequantize maps a kernel code back to its real value.
func Dequantize(q int8, p Params) float64 {
	return p.Scale * (float64(q) - float64(p.ZeroPoint))
}

// DequantizeBias maps a bias code back to its real value.
func DequantizeBias(q int32, scale float64) float64 {
	return float64(q) * scale
}

func clampInt8(v float64) int8 {
	if v < KernelMin {
		return KernelMin
	}
	if v > KernelMax {
		return KernelMax
	}
	return int8(v)
}
