package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes the batched matrix product of a and b over their last two
// axes. Leading axes are batch axes and broadcast against each other.
//
//	a: (..., M, K)
//	b: (..., K, N), or (..., N, K) when transB is set
//	out: (batch..., M, N)
//
// Each batch item is a single blas32.Gemm call.
func MatMul(a, b *Tensor, transB bool) (*Tensor, error) {
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("%w: matmul needs rank >= 2, got %v and %v", ErrIncompatibleShape, a.shape, b.shape)
	}

	m, k := a.Dim(-2), a.Dim(-1)
	bk, n := b.Dim(-2), b.Dim(-1)
	if transB {
		bk, n = n, bk
	}
	if k != bk {
		return nil, fmt.Errorf("%w: matmul inner dimensions differ: %v x %v (transB=%t)",
			ErrIncompatibleShape, a.shape, b.shape, transB)
	}

	aBatch := a.shape[:a.Rank()-2]
	bBatch := b.shape[:b.Rank()-2]
	batch, err := BroadcastShapes(aBatch, bBatch)
	if err != nil {
		return nil, fmt.Errorf("matmul batch axes: %w", err)
	}

	outShape := append(batch.Clone(), m, n)
	out, err := New(outShape, nil)
	if err != nil {
		return nil, err
	}
	if m == 0 || n == 0 || k == 0 {
		// Empty sums are zero; nothing for BLAS to do.
		return out, nil
	}

	aStrides := broadcastStrides(aBatch, batch)
	bStrides := broadcastStrides(bBatch, batch)
	aSize, bSize, cSize := m*k, k*n, m*n

	tB := blas.NoTrans
	bRows, bCols := k, n
	if transB {
		tB = blas.Trans
		bRows, bCols = n, k
	}

	for i := 0; i < batch.NumElements(); i++ {
		aOff := offsetAt(i, batch, aStrides) * aSize
		bOff := offsetAt(i, batch, bStrides) * bSize
		cOff := i * cSize

		blas32.Gemm(blas.NoTrans, tB, 1,
			blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data[aOff : aOff+aSize]},
			blas32.General{Rows: bRows, Cols: bCols, Stride: bCols, Data: b.data[bOff : bOff+bSize]},
			0,
			blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[cOff : cOff+cSize]},
		)
	}
	return out, nil
}
