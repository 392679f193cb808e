// Package attention implements scaled dot-product attention over batched
// float32 tensors:
//
//	Attention(Q, K, V) = softmax(Q K^T / sqrt(d_k) + mask) V
//
// The kernel is pure. It never mutates its inputs, allocates fresh outputs, and
// either returns a complete result or fails before computing anything.
package attention

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-fletcher/internal/simd"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// ErrIncompatibleShape reports q/k/v/mask dimensions that violate the kernel
// contract. It is the same sentinel as tensor.ErrIncompatibleShape.
var ErrIncompatibleShape = tensor.ErrIncompatibleShape

// MaskedRowPolicy decides what a query row gets when the mask removes every
// key position for it.
type MaskedRowPolicy int

const (
	// MaskedRowsNaN leaves the IEEE result: the row's weights and output are NaN.
	// Avoiding fully-masked rows is the caller's responsibility.
	MaskedRowsNaN MaskedRowPolicy = iota
	// MaskedRowsUniform spreads the weight evenly over all key positions.
	MaskedRowsUniform
)

func (p MaskedRowPolicy) String() string {
	switch p {
	case MaskedRowsNaN:
		return "nan"
	case MaskedRowsUniform:
		return "uniform"
	default:
		return fmt.Sprintf("MaskedRowPolicy(%d)", int(p))
	}
}

// ParseMaskedRowPolicy maps "nan" (or "") and "uniform" to a policy.
func ParseMaskedRowPolicy(s string) (MaskedRowPolicy, error) {
	switch s {
	case "", "nan":
		return MaskedRowsNaN, nil
	case "uniform":
		return MaskedRowsUniform, nil
	default:
		return 0, fmt.Errorf("unknown masked row policy %q", s)
	}
}

type options struct {
	maskedRows MaskedRowPolicy
}

// Option configures ScaledDotProduct.
type Option func(*options)

// WithMaskedRows sets the fully-masked row policy. Default is MaskedRowsNaN.
func WithMaskedRows(p MaskedRowPolicy) Option {
	return func(o *options) {
		o.maskedRows = p
	}
}

// ScaledDotProduct computes attention for
//
//	q:    (..., Sq, Dk)
//	k:    (..., Sk, Dk)
//	v:    (..., Sk, Dv)
//	mask: nil, or broadcastable to (batch..., Sq, Sk); zero entries are masked
//
// and returns output (batch..., Sq, Dv) and weights (batch..., Sq, Sk), where
// batch is the broadcast of the leading axes of q, k and v. Every row of
// weights sums to 1 unless the mask removed all of its keys (see
// MaskedRowPolicy).
func ScaledDotProduct(q, k, v, mask *tensor.Tensor, opts ...Option) (output, weights *tensor.Tensor, err error) {
	o := options{maskedRows: MaskedRowsNaN}
	for _, opt := range opts {
		opt(&o)
	}

	scoreShape, err := validate(q, k, v, mask)
	if err != nil {
		return nil, nil, err
	}

	// Q K^T over the last two axes.
	scores, err := tensor.MatMul(q, k, true)
	if err != nil {
		return nil, nil, err
	}
	if !scores.Shape().Equal(scoreShape) {
		// v carries batch axes that q and k do not.
		if scores, err = scores.BroadcastTo(scoreShape); err != nil {
			return nil, nil, err
		}
	}

	data := scores.Data()
	// With no head dimension every score is an empty dot product and stays 0.
	if dk := q.Dim(-1); dk > 0 {
		scale := float32(math.Sqrt(float64(dk)))
		for i := range data {
			data[i] /= scale
		}
	}

	if mask != nil {
		full, err := mask.BroadcastTo(scoreShape)
		if err != nil {
			return nil, nil, err
		}
		ninf := float32(math.Inf(-1))
		for i, m := range full.Data() {
			if m == 0 {
				data[i] = ninf
			}
		}
	}

	weights, degenerate := tensor.SoftmaxLastAxis(scores)
	if len(degenerate) > 0 && o.maskedRows == MaskedRowsUniform {
		sk := weights.Dim(-1)
		w := weights.Data()
		for _, r := range degenerate {
			simd.Fill(w[r*sk:(r+1)*sk], 1/float32(sk))
		}
	}

	output, err = tensor.MatMul(weights, v, false)
	if err != nil {
		return nil, nil, err
	}
	return output, weights, nil
}

// Shapes validates q, k, v and mask exactly like ScaledDotProduct and returns
// the shapes of the output and weights it would allocate.
func Shapes(q, k, v, mask *tensor.Tensor) (output, weights tensor.Shape, err error) {
	weights, err = validate(q, k, v, mask)
	if err != nil {
		return nil, nil, err
	}
	output = append(weights[:len(weights)-1].Clone(), v.Dim(-1))
	return output, weights, nil
}

// validate checks every shape constraint up front and returns the shape of the
// score matrix, (batch..., Sq, Sk).
func validate(q, k, v, mask *tensor.Tensor) (tensor.Shape, error) {
	if q == nil || k == nil || v == nil {
		return nil, fmt.Errorf("%w: q, k and v are required", ErrIncompatibleShape)
	}
	if q.Rank() < 2 || k.Rank() < 2 || v.Rank() < 2 {
		return nil, fmt.Errorf("%w: q, k, v need rank >= 2, got %v, %v, %v",
			ErrIncompatibleShape, q.Shape(), k.Shape(), v.Shape())
	}
	if q.Dim(-1) != k.Dim(-1) {
		return nil, fmt.Errorf("%w: query dim %d != key dim %d", ErrIncompatibleShape, q.Dim(-1), k.Dim(-1))
	}
	if k.Dim(-2) != v.Dim(-2) {
		return nil, fmt.Errorf("%w: key length %d != value length %d", ErrIncompatibleShape, k.Dim(-2), v.Dim(-2))
	}

	qs, ks, vs := q.Shape(), k.Shape(), v.Shape()
	batch, err := tensor.BroadcastShapes(qs[:len(qs)-2], ks[:len(ks)-2])
	if err != nil {
		return nil, fmt.Errorf("q/k batch axes: %w", err)
	}
	batch, err = tensor.BroadcastShapes(batch, vs[:len(vs)-2])
	if err != nil {
		return nil, fmt.Errorf("v batch axes: %w", err)
	}

	scoreShape := append(batch, q.Dim(-2), k.Dim(-2))
	if err := scoreShape.Validate(); err != nil {
		return nil, fmt.Errorf("weights: %w", err)
	}
	if err := append(batch.Clone(), q.Dim(-2), v.Dim(-1)).Validate(); err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	if mask != nil {
		got, err := tensor.BroadcastShapes(mask.Shape(), scoreShape)
		if err != nil {
			return nil, fmt.Errorf("mask: %w", err)
		}
		if !got.Equal(scoreShape) {
			return nil, fmt.Errorf("%w: mask %v does not broadcast to scores %v",
				ErrIncompatibleShape, mask.Shape(), scoreShape)
		}
	}
	return scoreShape, nil
}
