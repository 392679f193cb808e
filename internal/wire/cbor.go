// Package wire converts tensors to and from the formats used on the network:
// CBOR bodies for the HTTP API and single-row Arrow records for IPC streams
// and Flight.
package wire

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// Tensor is the CBOR form of a tensor: row-major data plus its shape.
type Tensor struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

// FromTensor copies t into its wire form. A nil tensor maps to nil.
func FromTensor(t *tensor.Tensor) *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: t.Shape(), Data: t.ToHost()}
}

// ToTensor validates the shape against the data and builds a tensor. A nil
// receiver yields a nil tensor, which is how optional fields such as the mask
// are left out. Missing data only fits a shape with no elements.
func (w *Tensor) ToTensor() (*tensor.Tensor, error) {
	if w == nil {
		return nil, nil
	}
	data := w.Data
	if data == nil {
		data = []float32{}
	}
	return tensor.New(tensor.Shape(w.Shape), data)
}

// AttentionRequest is the body of POST /attention and POST /attention/arrow.
type AttentionRequest struct {
	Q    *Tensor `cbor:"q"`
	K    *Tensor `cbor:"k"`
	V    *Tensor `cbor:"v"`
	Mask *Tensor `cbor:"mask,omitempty"`
	// MaskedRows is "nan" (default) or "uniform".
	MaskedRows string `cbor:"masked_rows,omitempty"`
}

// Tensors decodes q, k, v and the optional mask.
func (r *AttentionRequest) Tensors() (q, k, v, mask *tensor.Tensor, err error) {
	if r.Q == nil || r.K == nil || r.V == nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: q, k and v are required", tensor.ErrIncompatibleShape)
	}
	if q, err = r.Q.ToTensor(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("q: %w", err)
	}
	if k, err = r.K.ToTensor(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("k: %w", err)
	}
	if v, err = r.V.ToTensor(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("v: %w", err)
	}
	if mask, err = r.Mask.ToTensor(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("mask: %w", err)
	}
	return q, k, v, mask, nil
}

// AttentionResponse carries the attention output and weights.
type AttentionResponse struct {
	Output  *Tensor `cbor:"output"`
	Weights *Tensor `cbor:"weights"`
}

// PositionalRequest is the body of POST /positional. The response is the
// (1, SeqLen, DModel) slice of a (MaxSeqLen, DModel) table as a Tensor.
type PositionalRequest struct {
	MaxSeqLen int `cbor:"max_seq_len"`
	DModel    int `cbor:"d_model"`
	SeqLen    int `cbor:"seq_len"`
}

// ErrorResponse is written for every non-2xx answer.
type ErrorResponse struct {
	Error string `cbor:"error"`
}

// encMode emits float32 data as float32, never widened.
var encMode, _ = cbor.EncOptions{
	ShortestFloat: cbor.ShortestFloatNone,
}.EncMode()

// Marshal encodes v as CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// decMode lifts the default array limit so large tensors decode; callers
// bound the input size instead.
var decMode, _ = cbor.DecOptions{
	MaxArrayElements: math.MaxInt32,
}.DecMode()

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
