// Package tensor provides the dense float32 arrays the kernels operate on.
//
// Tensors are row-major and treated as immutable: every operation returns a
// freshly allocated result and never writes to its operands.
package tensor

import (
	"fmt"

	"github.com/23skdu/longbow-fletcher/internal/simd"
)

// Tensor is an n-dimensional float32 array.
type Tensor struct {
	shape Shape
	data  []float32
}

// New creates a tensor with the given shape. data is copied; nil means zeros.
func New(shape Shape, data []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	size := shape.NumElements()
	t := &Tensor{shape: shape.Clone(), data: make([]float32, size)}
	if data != nil {
		if len(data) != size {
			return nil, fmt.Errorf("%w: %d values do not fill shape %v", ErrIncompatibleShape, len(data), shape)
		}
		copy(t.data, data)
	}
	return t, nil
}

// MustNew is New for shapes and data known to be valid. It panics otherwise.
func MustNew(shape Shape, data []float32) *Tensor {
	t, err := New(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros returns a zero-filled tensor.
func Zeros(dims ...int) *Tensor {
	return MustNew(Shape(dims), nil)
}

// FromBools builds a 1/0 tensor, typically an attention mask (true = keep).
func FromBools(shape Shape, values []bool) (*Tensor, error) {
	data := make([]float32, len(values))
	for i, v := range values {
		if v {
			data[i] = 1
		}
	}
	return New(shape, data)
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() Shape {
	return t.shape.Clone()
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the underlying row-major slice. It must not be modified.
func (t *Tensor) Data() []float32 {
	return t.data
}

// ToHost copies the data to a new slice.
func (t *Tensor) ToHost() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

// At returns the element at the given coordinates. It panics on a bad index,
// like slice indexing does.
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("At: got %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := 0
	strides := t.shape.Strides()
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("At: index %d out of range for axis %d of size %d", x, i, t.shape[i]))
		}
		off += x * strides[i]
	}
	return t.data[off]
}

// Reshape returns a copy with a new shape holding the same number of elements.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	shape := Shape(dims)
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrIncompatibleShape, t.shape, shape)
	}
	return New(shape, t.data)
}

// BroadcastTo materializes t expanded to shape. The expansion must follow
// broadcasting rules and must produce exactly shape.
func (t *Tensor) BroadcastTo(shape Shape) (*Tensor, error) {
	got, err := BroadcastShapes(t.shape, shape)
	if err != nil {
		return nil, err
	}
	if !got.Equal(shape) {
		return nil, fmt.Errorf("%w: %v does not broadcast to %v", ErrIncompatibleShape, t.shape, shape)
	}
	out := MustNew(shape, nil)
	strides := broadcastStrides(t.shape, shape)
	for i := range out.data {
		out.data[i] = t.data[offsetAt(i, shape, strides)]
	}
	return out, nil
}

// Add returns t + other with broadcasting.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	shape, err := BroadcastShapes(t.shape, other.shape)
	if err != nil {
		return nil, err
	}
	if shape.Equal(t.shape) && shape.Equal(other.shape) {
		out := MustNew(shape, t.data)
		simd.VecAdd(out.data, other.data)
		return out, nil
	}
	out := MustNew(shape, nil)
	ts := broadcastStrides(t.shape, shape)
	osStrides := broadcastStrides(other.shape, shape)
	for i := range out.data {
		out.data[i] = t.data[offsetAt(i, shape, ts)] + other.data[offsetAt(i, shape, osStrides)]
	}
	return out, nil
}

// Scale returns t * s.
func (t *Tensor) Scale(s float32) *Tensor {
	out := MustNew(t.shape, t.data)
	simd.VecScale(out.data, s)
	return out
}
