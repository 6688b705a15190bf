package export

import (
	"errors"
	"fmt"
)

var (
	ErrShapeMismatch  = errors.New("bias length does not match kernel output channels")
	ErrDuplicateLayer = errors.New("duplicate layer name")
	ErrIndexOrder     = errors.New("layer index out of order")
)

// LayerError reports a failure while processing one layer. Position is the
// layer's place in the source traversal, not its quantized index.
type LayerError struct {
	Position int
	Name     string
	Op       string
	Err      error
}

func (e *LayerError) Error() string {
	return fmt.Sprintf("layer %d %q: %s: %v", e.Position, e.Name, e.Op, e.Err)
}

func (e *LayerError) Unwrap() error { return e.Err }
