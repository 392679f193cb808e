package tensor

import "github.com/23skdu/longbow-fletcher/internal/simd"

// SoftmaxLastAxis normalizes every last-axis row of t into a probability
// distribution. Rows with no finite maximum (all -Inf) cannot be normalized;
// they come back filled with NaN and their row indices are returned so callers
// can apply their own policy.
func SoftmaxLastAxis(t *Tensor) (*Tensor, []int) {
	out := MustNew(t.shape, t.data)
	if t.Rank() == 0 {
		return out, nil
	}
	cols := t.Dim(-1)
	if cols == 0 {
		return out, nil
	}

	var degenerate []int
	rows := len(out.data) / cols
	for r := 0; r < rows; r++ {
		if !simd.Softmax(out.data[r*cols : (r+1)*cols]) {
			degenerate = append(degenerate, r)
		}
	}
	return out, degenerate
}
