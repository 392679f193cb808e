package tensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrIncompatibleShape is returned whenever tensor dimensions do not satisfy an
// operation's contract. Callers match it with errors.Is.
var ErrIncompatibleShape = errors.New("incompatible shape")

// Shape holds the dimensions of a tensor, outermost first.
type Shape []int

// NumElements returns the product of all dimensions. A scalar has 1 element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Strides returns row-major strides: stride[i] is the product of all dims after i.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Validate rejects negative dimensions and shapes whose element count does not
// fit in an int.
func (s Shape) Validate() error {
	empty := false
	for i, d := range s {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension %d at axis %d", ErrIncompatibleShape, d, i)
		}
		if d == 0 {
			empty = true
		}
	}
	if empty {
		return nil
	}
	n := 1
	for _, d := range s {
		if n > math.MaxInt/d {
			return fmt.Errorf("%w: %v has too many elements", ErrIncompatibleShape, s)
		}
		n *= d
	}
	return nil
}

// BroadcastShapes combines two shapes under numpy rules. Shapes are aligned on
// their trailing dimension; each pair must be equal or contain a 1, and missing
// leading dimensions count as 1.
//
//	(3, 1) + (3, 5) -> (3, 5)
//	(5,)   + (2, 1) -> (2, 5)
//	(3, 4) + (3, 5) -> error
func BroadcastShapes(a, b Shape) (Shape, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(Shape, n)
	for i := 0; i < n; i++ {
		ad, bd := 1, 1
		if j := len(a) - 1 - i; j >= 0 {
			ad = a[j]
		}
		if j := len(b) - 1 - i; j >= 0 {
			bd = b[j]
		}
		switch {
		case ad == bd:
			out[n-1-i] = ad
		case ad == 1:
			out[n-1-i] = bd
		case bd == 1:
			out[n-1-i] = ad
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v (axis %d: %d vs %d)",
				ErrIncompatibleShape, a, b, n-1-i, ad, bd)
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// broadcastStrides returns strides for reading a tensor of shape in as if it had
// shape out. Broadcast and padded axes get stride 0. in must broadcast to out.
func broadcastStrides(in, out Shape) []int {
	strides := make([]int, len(out))
	inStrides := in.Strides()
	offset := len(out) - len(in)
	for i := range out {
		j := i - offset
		if j < 0 || in[j] == 1 {
			continue
		}
		strides[i] = inStrides[j]
	}
	return strides
}

// offsetAt maps a flat row-major index in shape out to an element offset using
// the given (possibly broadcast) strides.
func offsetAt(flat int, out Shape, strides []int) int {
	off := 0
	for i := len(out) - 1; i >= 0; i-- {
		d := out[i]
		if d == 0 {
			return 0
		}
		off += (flat % d) * strides[i]
		flat /= d
	}
	return off
}
