package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecScale(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	VecScale(dst, 2)
	for i, v := range dst {
		if want := float32(2 * (i + 1)); v != want {
			t.Errorf("VecScale(%d) = %f, want %f", i, v, want)
		}
	}
}

func TestSum(t *testing.T) {
	if got := Sum([]float32{0.25, 0.5, 1, 2, 4}); got != 7.75 {
		t.Errorf("Sum = %f, want 7.75", got)
	}
	if got := Sum(nil); got != 0 {
		t.Errorf("Sum(nil) = %f, want 0", got)
	}
}

func TestSoftmax(t *testing.T) {
	t.Run("Distribution", func(t *testing.T) {
		row := []float32{1, 2, 3}
		if !Softmax(row) {
			t.Fatal("Softmax reported a degenerate row")
		}

		// exp(x - 3) / sum
		den := math.Exp(-2) + math.Exp(-1) + 1
		want := []float64{math.Exp(-2) / den, math.Exp(-1) / den, 1 / den}
		for i, v := range row {
			if math.Abs(float64(v)-want[i]) > 1e-6 {
				t.Errorf("Softmax[%d] = %f, want %f", i, v, want[i])
			}
		}
		if s := Sum(row); math.Abs(float64(s)-1) > 1e-6 {
			t.Errorf("Softmax sum = %f, want 1", s)
		}
	})

	t.Run("LargeValuesStayFinite", func(t *testing.T) {
		row := []float32{1000, 1000}
		Softmax(row)
		for i, v := range row {
			if v != 0.5 {
				t.Errorf("Softmax[%d] = %f, want 0.5", i, v)
			}
		}
	})

	t.Run("NegInfGetsZero", func(t *testing.T) {
		ninf := float32(math.Inf(-1))
		row := []float32{0, ninf, 0}
		Softmax(row)
		if row[1] != 0 {
			t.Errorf("masked entry = %f, want 0", row[1])
		}
		if row[0] != 0.5 || row[2] != 0.5 {
			t.Errorf("unmasked entries = %v, want 0.5 each", row)
		}
	})

	t.Run("AllNegInf", func(t *testing.T) {
		ninf := float32(math.Inf(-1))
		row := []float32{ninf, ninf}
		if Softmax(row) {
			t.Fatal("expected degenerate row")
		}
		for i, v := range row {
			if !math.IsNaN(float64(v)) {
				t.Errorf("row[%d] = %f, want NaN", i, v)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if !Softmax(nil) {
			t.Error("empty row should not be degenerate")
		}
	})
}

// Benchmarks

func BenchmarkSoftmax(b *testing.B) {
	row := make([]float32, 128)
	for i := 0; i < b.N; i++ {
		for j := range row {
			row[j] = float32(j) * 0.01
		}
		Softmax(row)
	}
}
