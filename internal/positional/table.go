// Package positional builds the fixed sine/cosine positional encodings used to
// give a transformer a notion of token order.
package positional

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

var (
	// ErrInvalidConfig is returned by New for non-positive dimensions.
	ErrInvalidConfig = errors.New("invalid positional encoding config")
	// ErrOutOfRange is returned when more positions are requested than the
	// table holds.
	ErrOutOfRange = errors.New("sequence length out of range")
)

// Table holds pe[p, c] for p < MaxSeqLen and c < DModel:
//
//	pe[p, 2i]   = sin(p * exp(-ln(10000) * 2i / d))
//	pe[p, 2i+1] = cos(p * exp(-ln(10000) * 2i / d))
//
// For odd DModel the last channel has no cosine partner and holds only the
// sine term. A Table is immutable after New and safe for concurrent use.
type Table struct {
	maxSeqLen int
	dModel    int
	pe        []float32
}

// New computes the full table. Both dimensions must be positive.
func New(maxSeqLen, dModel int) (*Table, error) {
	if maxSeqLen <= 0 || dModel <= 0 {
		return nil, fmt.Errorf("%w: max_seq_len=%d d_model=%d", ErrInvalidConfig, maxSeqLen, dModel)
	}

	pe := make([]float32, maxSeqLen*dModel)
	pairs := (dModel + 1) / 2
	freqs := make([]float64, pairs)
	for i := range freqs {
		freqs[i] = math.Exp(-math.Log(10000.0) * float64(2*i) / float64(dModel))
	}

	for p := 0; p < maxSeqLen; p++ {
		row := pe[p*dModel : (p+1)*dModel]
		for i, w := range freqs {
			angle := float64(p) * w
			row[2*i] = float32(math.Sin(angle))
			if 2*i+1 < dModel {
				row[2*i+1] = float32(math.Cos(angle))
			}
		}
	}

	return &Table{maxSeqLen: maxSeqLen, dModel: dModel, pe: pe}, nil
}

// MaxSeqLen is the number of positions in the table.
func (t *Table) MaxSeqLen() int { return t.maxSeqLen }

// DModel is the encoding width.
func (t *Table) DModel() int { return t.dModel }

// At returns pe[p, c]. It panics if either index is out of range.
func (t *Table) At(p, c int) float32 {
	if p < 0 || p >= t.maxSeqLen || c < 0 || c >= t.dModel {
		panic(fmt.Sprintf("positional: index (%d, %d) out of range for table (%d, %d)", p, c, t.maxSeqLen, t.dModel))
	}
	return t.pe[p*t.dModel+c]
}

// SliceFor returns the first n positions as a (1, n, DModel) tensor, ready to
// broadcast over a batch. The result is a copy.
func (t *Table) SliceFor(n int) (*tensor.Tensor, error) {
	if n < 0 || n > t.maxSeqLen {
		return nil, fmt.Errorf("%w: requested %d positions, table has %d", ErrOutOfRange, n, t.maxSeqLen)
	}
	return tensor.New(tensor.Shape{1, n, t.dModel}, t.pe[:n*t.dModel])
}

// AddTo returns x + pe for embeddings x shaped (..., seq, DModel).
func (t *Table) AddTo(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() < 2 {
		return nil, fmt.Errorf("%w: embeddings need rank >= 2, got %v", tensor.ErrIncompatibleShape, x.Shape())
	}
	if d := x.Dim(-1); d != t.dModel {
		return nil, fmt.Errorf("%w: embedding width %d != d_model %d", tensor.ErrIncompatibleShape, d, t.dModel)
	}

	seq := x.Dim(-2)
	pe, err := t.SliceFor(seq)
	if err != nil {
		return nil, err
	}
	pe, err = pe.Reshape(seq, t.dModel)
	if err != nil {
		return nil, err
	}
	return x.Add(pe)
}
