package simd

import "math"

// Softmax normalizes row in-place using the max-shifted exponential.
// It returns false when the row has no finite maximum (every entry is -Inf or
// NaN); such a row is filled with NaN, matching IEEE softmax semantics.
// An empty row is left alone and reports true.
func Softmax(row []float32) bool {
	if len(row) == 0 {
		return true
	}

	max := float32(math.Inf(-1))
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	if math.IsInf(float64(max), -1) {
		Fill(row, float32(math.NaN()))
		return false
	}

	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - max)))
		row[i] = e
		sum += e
	}

	VecScale(row, 1/sum)
	return true
}

// Fill sets every element of dst to v.
func Fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

// Sum returns the sum of all elements.
func Sum(a []float32) float32 {
	var s float32
	for _, v := range a {
		s += v
	}
	return s
}

// VecScale performs dst *= s
func VecScale(dst []float32, s float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= s
		dst[i+1] *= s
		dst[i+2] *= s
		dst[i+3] *= s
	}
	for ; i < len(dst); i++ {
		dst[i] *= s
	}
}

// VecAdd performs dst += src for float32 vectors
func VecAdd(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}
