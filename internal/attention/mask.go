package attention

import (
	"fmt"

	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// CausalMask returns a (1, seqLen, seqLen) mask where query i may attend to
// keys 0..i only. It broadcasts over any batch shape.
//
//	[[1 0 0]
//	 [1 1 0]
//	 [1 1 1]]
func CausalMask(seqLen int) (*tensor.Tensor, error) {
	if seqLen < 0 {
		return nil, fmt.Errorf("%w: negative sequence length %d", ErrIncompatibleShape, seqLen)
	}
	data := make([]float32, seqLen*seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			data[i*seqLen+j] = 1
		}
	}
	return tensor.New(tensor.Shape{1, seqLen, seqLen}, data)
}

// PaddingMask returns a (len(lengths), 1, seqLen) mask that keeps the first
// lengths[b] key positions of batch item b. A zero length masks every key of
// that item, which yields fully-masked rows.
func PaddingMask(lengths []int, seqLen int) (*tensor.Tensor, error) {
	data := make([]float32, len(lengths)*seqLen)
	for b, l := range lengths {
		if l < 0 || l > seqLen {
			return nil, fmt.Errorf("%w: length %d of item %d outside [0, %d]", ErrIncompatibleShape, l, b, seqLen)
		}
		row := data[b*seqLen : (b+1)*seqLen]
		for j := 0; j < l; j++ {
			row[j] = 1
		}
	}
	return tensor.New(tensor.Shape{len(lengths), 1, seqLen}, data)
}
