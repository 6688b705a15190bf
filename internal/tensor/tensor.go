package tensor

import (
	"errors"
	"fmt"
)

var (
	errEmptyShape  = errors.New("empty shape")
	errTooLarge    = errors.New("tensor too large")
	errDataLenDiff = errors.New("data length does not match shape")
)

// Tensor is a dense row-major array of float32 values with a fixed shape.
//
// Tensors handed out by a model source are treated as immutable; callers that
// need to modify values should Clone first.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New builds a tensor and checks that data matches the shape.
func New(shape []int, data []float32) (Tensor, error) {
	t := Tensor{Shape: append([]int(nil), shape...), Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// Zeros allocates a zero-filled tensor of the given shape.
func Zeros(shape ...int) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}, nil
}

// Rank returns the number of axes.
func (t Tensor) Rank() int { return len(t.Shape) }

// Len returns the number of stored elements.
func (t Tensor) Len() int { return len(t.Data) }

// LastDim returns the extent of the last axis, or 0 for a rank-0 tensor.
func (t Tensor) LastDim() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

// Validate checks rank, dimensions and the data length.
func (t Tensor) Validate() error {
	n, err := NumElements(t.Shape)
	if err != nil {
		return err
	}
	if n != len(t.Data) {
		return fmt.Errorf("%w: shape %v wants %d, have %d", errDataLenDiff, t.Shape, n, len(t.Data))
	}
	return nil
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// NumElements returns the product of shape, rejecting empty shapes,
// non-positive dims and overflow.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errEmptyShape
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, errTooLarge
		}
		n *= d
	}
	return n, nil
}
