package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Shape
		want    Shape
		wantErr bool
	}{
		{"equal", Shape{2, 3}, Shape{2, 3}, Shape{2, 3}, false},
		{"ones expand", Shape{3, 1}, Shape{3, 5}, Shape{3, 5}, false},
		{"missing leading", Shape{5}, Shape{2, 1}, Shape{2, 5}, false},
		{"scalar", Shape{}, Shape{4, 2}, Shape{4, 2}, false},
		{"zero with one", Shape{0, 3}, Shape{1, 3}, Shape{0, 3}, false},
		{"mismatch", Shape{3, 4}, Shape{3, 5}, nil, true},
		{"too many elements", Shape{1 << 32, 1}, Shape{1, 1 << 32}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BroadcastShapes(tt.a, tt.b)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIncompatibleShape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("CopiesData", func(t *testing.T) {
		src := []float32{1, 2, 3, 4}
		x, err := New(Shape{2, 2}, src)
		require.NoError(t, err)
		src[0] = 100
		assert.Equal(t, float32(1), x.At(0, 0))
	})

	t.Run("LengthMismatch", func(t *testing.T) {
		_, err := New(Shape{2, 2}, []float32{1, 2, 3})
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})

	t.Run("NegativeDim", func(t *testing.T) {
		_, err := New(Shape{2, -1}, nil)
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})

	t.Run("ElementCountOverflow", func(t *testing.T) {
		_, err := New(Shape{1 << 32, 1 << 32}, nil)
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})

	t.Run("HugeDimsWithEmptyAxis", func(t *testing.T) {
		x, err := New(Shape{1 << 40, 0, 1 << 40}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, x.Len())
	})

	t.Run("ZeroSized", func(t *testing.T) {
		x, err := New(Shape{1, 0, 8}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, x.Len())
		assert.Equal(t, Shape{1, 0, 8}, x.Shape())
	})
}

func TestFromBools(t *testing.T) {
	m, err := FromBools(Shape{1, 3}, []bool{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 1}, m.Data())
}

func TestReshape(t *testing.T) {
	x := MustNew(Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	y, err := x.Reshape(3, 2)
	require.NoError(t, err)
	assert.Equal(t, float32(4), y.At(1, 1))

	_, err = x.Reshape(4, 2)
	require.ErrorIs(t, err, ErrIncompatibleShape)
}

func TestBroadcastTo(t *testing.T) {
	x := MustNew(Shape{1, 3}, []float32{1, 2, 3})

	y, err := x.BroadcastTo(Shape{2, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3}, y.Data())

	// Broadcasting must not grow the target shape.
	_, err = MustNew(Shape{2, 1, 3}, nil).BroadcastTo(Shape{1, 3})
	require.ErrorIs(t, err, ErrIncompatibleShape)
}

func TestAdd(t *testing.T) {
	t.Run("SameShape", func(t *testing.T) {
		a := MustNew(Shape{2, 2}, []float32{1, 2, 3, 4})
		b := MustNew(Shape{2, 2}, []float32{10, 20, 30, 40})
		c, err := a.Add(b)
		require.NoError(t, err)
		assert.Equal(t, []float32{11, 22, 33, 44}, c.Data())
		assert.Equal(t, []float32{1, 2, 3, 4}, a.Data(), "operand mutated")
	})

	t.Run("Broadcast", func(t *testing.T) {
		a := MustNew(Shape{2, 1, 2}, []float32{1, 2, 3, 4})
		b := MustNew(Shape{1, 3, 2}, []float32{10, 20, 30, 40, 50, 60})
		c, err := a.Add(b)
		require.NoError(t, err)
		assert.Equal(t, Shape{2, 3, 2}, c.Shape())
		assert.Equal(t, []float32{11, 22, 31, 42, 51, 62, 13, 24, 33, 44, 53, 64}, c.Data())
	})

	t.Run("Mismatch", func(t *testing.T) {
		_, err := Zeros(2, 3).Add(Zeros(2, 4))
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})
}

func TestScale(t *testing.T) {
	x := MustNew(Shape{3}, []float32{1, 2, 3})
	y := x.Scale(0.5)
	assert.Equal(t, []float32{0.5, 1, 1.5}, y.Data())
	assert.Equal(t, []float32{1, 2, 3}, x.Data())
}

func TestMatMul(t *testing.T) {
	t.Run("Plain", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := MustNew(Shape{2, 3}, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := MustNew(Shape{3, 2}, []float32{
			7, 8,
			9, 10,
			11, 12,
		})
		c, err := MatMul(a, b, false)
		require.NoError(t, err)
		// 1*7 + 2*9 + 3*11 = 58, 1*8 + 2*10 + 3*12 = 64
		// 4*7 + 5*9 + 6*11 = 139, 4*8 + 5*10 + 6*12 = 154
		assert.Equal(t, []float32{58, 64, 139, 154}, c.Data())
	})

	t.Run("TransB", func(t *testing.T) {
		a := MustNew(Shape{1, 2, 2}, []float32{1, 0, 0, 1})
		b := MustNew(Shape{1, 3, 2}, []float32{1, 2, 3, 4, 5, 6})
		c, err := MatMul(a, b, true)
		require.NoError(t, err)
		assert.Equal(t, Shape{1, 2, 3}, c.Shape())
		assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, c.Data())
	})

	t.Run("BroadcastBatch", func(t *testing.T) {
		a := MustNew(Shape{2, 1, 2}, []float32{1, 1, 2, 2})
		b := MustNew(Shape{2, 1}, []float32{3, 4})
		c, err := MatMul(a, b, false)
		require.NoError(t, err)
		assert.Equal(t, Shape{2, 1, 1}, c.Shape())
		assert.Equal(t, []float32{7, 14}, c.Data())
	})

	t.Run("EmptyInner", func(t *testing.T) {
		c, err := MatMul(Zeros(2, 0), Zeros(0, 3), false)
		require.NoError(t, err)
		assert.Equal(t, make([]float32, 6), c.Data())
	})

	t.Run("InnerMismatch", func(t *testing.T) {
		_, err := MatMul(Zeros(2, 3), Zeros(2, 3), false)
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})

	t.Run("BatchMismatch", func(t *testing.T) {
		_, err := MatMul(Zeros(2, 2, 2), Zeros(3, 2, 2), false)
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})

	t.Run("RankTooLow", func(t *testing.T) {
		_, err := MatMul(Zeros(3), Zeros(3, 1), false)
		require.ErrorIs(t, err, ErrIncompatibleShape)
	})
}

func TestSoftmaxLastAxis(t *testing.T) {
	ninf := float32(math.Inf(-1))
	x := MustNew(Shape{3, 2}, []float32{0, 0, ninf, ninf, 1, ninf})

	y, degenerate := SoftmaxLastAxis(x)
	assert.Equal(t, []int{1}, degenerate)
	assert.Equal(t, float32(0.5), y.At(0, 0))
	assert.True(t, math.IsNaN(float64(y.At(1, 0))))
	assert.Equal(t, float32(1), y.At(2, 0))
	assert.Equal(t, float32(0), y.At(2, 1))
	assert.Equal(t, float32(0), x.At(0, 0), "input mutated")
}
