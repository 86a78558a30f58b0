package bitmap

import "fmt"

// And returns the bitwise AND of a and b. The result is as long as the
// shorter operand.
func And(a, b Dense) Dense {
	short, long := a, b
	if b.len < a.len {
		short, long = b, a
	}
	r := Dense{bits: make([]byte, len(short.bits)), len: short.len}
	for i := range r.bits {
		r.bits[i] = short.bits[i] & long.bits[i]
	}
	return r
}

// XOr returns the bitwise XOR of a and b. The shorter operand is padded with
// zeros.
func XOr(a, b Dense) Dense {
	short, long := a, b
	if b.len < a.len {
		short, long = b, a
	}
	r := Dense{bits: append([]byte(nil), long.bits...), len: long.len}
	for i := range short.bits {
		r.bits[i] ^= short.bits[i]
	}
	return r
}

// Slice returns a copy of the bits [start, end) of d.
func Slice(d Dense, start, end int) (Dense, error) {
	if start < 0 {
		return Dense{}, fmt.Errorf("slicing bitmap with negative start: %d", start)
	}
	if end < start {
		return Dense{}, fmt.Errorf("slicing bitmap to negative length: %d", end-start)
	}
	if end > d.len {
		return Dense{}, fmt.Errorf("slicing bitmap of len %d up to %d", d.len, end)
	}
	if start%byteSize == 0 {
		return NewDense(d.bits[start/byteSize:], end-start), nil
	}
	r := Dense{}
	for i := start; i < end; i++ {
		r.AppendBit(d.Get(i))
	}
	return r, nil
}
