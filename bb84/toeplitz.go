package bb84

import (
	"fmt"

	"github.com/qkdlab/bb84sim/bb84/bitmap"
)

// A toeplitz is an m x n matrix over F_2 whose diagonals are all constant.
// Multiplying by a random toeplitz matrix is a universal hash, which makes it
// suitable for privacy amplification.
type toeplitz struct {
	// The diagonal constants, starting from the bottom left and ending with
	// the top right. Must hold at least m+n-1 bits.
	diags bitmap.Dense

	m int
	n int
}

// Mul computes the matrix product Tv.
func (t toeplitz) Mul(vec bitmap.Dense) (bitmap.Dense, error) {
	if t.m < 0 {
		return bitmap.Empty(), fmt.Errorf("toeplitz matrix with %d rows", t.m)
	}
	if t.diags.Size() < t.m+t.n-1 {
		return bitmap.Empty(), fmt.Errorf("improper toeplitz construction, has %d diagonals, needs %d", t.diags.Size(), t.m+t.n-1)
	}
	if t.n != vec.Size() {
		return bitmap.Empty(), fmt.Errorf("multiplying %dx%d matrix into %d-dim vector", t.m, t.n, vec.Size())
	}

	r := bitmap.Empty()
	for row := 0; row < t.m; row++ {
		off := t.m - 1 - row
		diag, err := bitmap.Slice(t.diags, off, off+t.n)
		if err != nil {
			return bitmap.Empty(), err
		}
		r.AppendBit(bitmap.Parity(bitmap.And(diag, vec)))
	}
	return r, nil
}
