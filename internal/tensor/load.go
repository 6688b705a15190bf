package tensor

import (
	"fmt"

	"github.com/samcharles93/qforge/internal/safetensors"
)

// LoadSafetensors reads a named tensor as float32, whatever its stored float dtype.
func LoadSafetensors(st *safetensors.File, name string) (Tensor, error) {
	data, info, err := st.ReadTensorF32(name)
	if err != nil {
		return Tensor{}, err
	}
	t := Tensor{Shape: append([]int(nil), info.Shape...), Data: data}
	if err := t.Validate(); err != nil {
		return Tensor{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}
