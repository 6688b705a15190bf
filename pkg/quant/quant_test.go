package quant

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeKernelConv1(t *testing.T) {
	t.Parallel()
	k, err := QuantizeKernel([]int{1, 1, 1, 4}, []float32{-1, 0, 1, 2})
	require.NoError(t, err)

	assert.InDelta(t, 3.0/255.0, k.Params.Scale, 1e-15)
	assert.Equal(t, int32(85), k.Params.ZeroPoint)
	assert.Equal(t, []int8{0, 85, 127, 127}, k.Data)
	assert.Equal(t, []int{1, 1, 1, 4}, k.Shape)

	b, err := QuantizeBias([]int{1}, []float32{0.5}, k.Params.Scale, DefaultInputScale)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/255.0*0.007843, b.Scale, 1e-18)
	assert.Equal(t, []int32{5419}, b.Data)
}

func TestKernelParamsDegenerate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data []float32
		zp   int32
		code int8
	}{
		{name: "all zero", data: []float32{0, 0, 0, 0}, zp: 0, code: 0},
		{name: "constant positive", data: []float32{5, 5}, zp: -5, code: 0},
		{name: "single element", data: []float32{-3}, zp: 3, code: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			k, err := QuantizeKernel([]int{len(tc.data)}, tc.data)
			require.NoError(t, err)
			assert.Equal(t, DegenerateScale, k.Params.Scale)
			assert.Equal(t, tc.zp, k.Params.ZeroPoint)
			for _, q := range k.Data {
				assert.Equal(t, tc.code, q)
			}
		})
	}
}

func TestZeroPointNotClamped(t *testing.T) {
	t.Parallel()
	// Strictly positive kernels push the zero-point below the int8 range.
	p, err := KernelParams([]float32{1, 2})
	require.NoError(t, err)
	assert.Equal(t, int32(-255), p.ZeroPoint)
	assert.Less(t, p.ZeroPoint, int32(KernelMin))
}

func TestRoundHalfToEven(t *testing.T) {
	t.Parallel()
	// scale 1, zero point 0: codes are the rounded values themselves.
	data := []float32{0, 0.5, 1.5, 2.5, 126.5, 255}
	k, err := QuantizeKernel([]int{len(data)}, data)
	require.NoError(t, err)
	require.Equal(t, 1.0, k.Params.Scale)
	require.Equal(t, int32(0), k.Params.ZeroPoint)
	assert.Equal(t, []int8{0, 0, 2, 2, 126, 127}, k.Data)
}

func TestQuantizeKernelErrors(t *testing.T) {
	t.Parallel()
	_, err := QuantizeKernel(nil, nil)
	assert.ErrorIs(t, err, ErrEmptyTensor)

	_, err = QuantizeKernel([]int{2}, []float32{1, float32(math.NaN())})
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = QuantizeKernel([]int{1}, []float32{float32(math.Inf(-1))})
	assert.ErrorIs(t, err, ErrNonFinite)

	_, err = KernelParams([]float32{-3e9, -3e9})
	assert.ErrorIs(t, err, ErrZeroPointOverflow)
}

func TestQuantizeBiasOverflow(t *testing.T) {
	t.Parallel()
	_, err := QuantizeBias([]int{1}, []float32{1e6}, 1e-6, DefaultInputScale)
	assert.ErrorIs(t, err, ErrBiasOverflow)

	b, err := QuantizeBias([]int{2}, []float32{-1e3, 1e3}, 1, DefaultInputScale)
	require.NoError(t, err)
	assert.Equal(t, int32(-127502), b.Data[0])
	assert.Equal(t, int32(127502), b.Data[1])

	_, err = QuantizeBias([]int{1}, []float32{1}, 0, DefaultInputScale)
	assert.ErrorIs(t, err, ErrInvalidScale)

	_, err = QuantizeBias([]int{1}, []float32{float32(math.NaN())}, 1, DefaultInputScale)
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestQuantizeKernelProperties(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for trial := range 50 {
		n := 1 + rng.Intn(256)
		data := make([]float32, n)
		offset := rng.Float32()*4 - 2
		span := rng.Float32()*3 + 1e-3
		for i := range data {
			data[i] = offset + span*rng.Float32()
		}
		k, err := QuantizeKernel([]int{n}, data)
		require.NoError(t, err, "trial %d", trial)
		require.Greater(t, k.Params.Scale, 0.0)

		lo := float64(KernelMin) - float64(k.Params.ZeroPoint)
		hi := float64(KernelMax) - float64(k.Params.ZeroPoint)
		for i, q := range k.Data {
			require.GreaterOrEqual(t, int(q), KernelMin)
			require.LessOrEqual(t, int(q), KernelMax)

			v := float64(data[i])
			// Values whose ideal code fell outside int8 were clamped.
			ideal := v / k.Params.Scale
			if ideal < lo || ideal > hi {
				continue
			}
			assert.LessOrEqual(t, math.Abs(v-Dequantize(q, k.Params)), k.Params.Scale,
				"trial %d element %d", trial, i)
		}
	}
}

func TestDequantizeBias(t *testing.T) {
	t.Parallel()
	b, err := QuantizeBias([]int{3}, []float32{0.25, -0.125, 0}, 0.01, DefaultInputScale)
	require.NoError(t, err)
	for i, want := range []float64{0.25, -0.125, 0} {
		assert.InDelta(t, want, DequantizeBias(b.Data[i], b.Scale), b.Scale)
	}
}
