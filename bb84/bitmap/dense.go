package bitmap

import "math/rand"

// A Dense is a bitmap where every bit is explicitly represented. Bits past
// the end of a Dense read as 0, and storage past its length is kept zeroed.
type Dense struct {
	bits []byte
	len  int
}

// NewDense returns a bitmap holding a copy of the first bitLen bits of data.
// If bitLen is longer than data, trailing zeros are added. If bitLen is
// negative, it is inferred from data.
func NewDense(data []byte, bitLen int) Dense {
	if bitLen < 0 {
		bitLen = len(data) * byteSize
	}
	d := Dense{bits: make([]byte, BytesFor(bitLen)), len: bitLen}
	copy(d.bits, data)
	d.clearTail()
	return d
}

// Get returns the i-th bit of d.
func (d Dense) Get(i int) bool {
	if i < 0 || i >= d.len {
		return false
	}
	return d.bits[i/byteSize]&(1<<(i%byteSize)) != 0
}

// Size returns the number of bits in d.
func (d Dense) Size() int {
	return d.len
}

// SizeBytes returns the number of bytes backing d.
func (d Dense) SizeBytes() int {
	return BytesFor(d.len)
}

// Data returns a copy of the bytes underlying d.
func (d Dense) Data() []byte {
	return append([]byte(nil), d.bits...)
}

// Flip inverts the i-th bit of d.
func (d *Dense) Flip(i int) {
	d.bits[i/byteSize] ^= 1 << (i % byteSize)
}

// Shuffle randomly permutes the contents of d, using r as a source of
// randomness.
func (d *Dense) Shuffle(r *rand.Rand) {
	r.Shuffle(d.len, func(i, j int) {
		if d.Get(i) != d.Get(j) {
			d.Flip(i)
			d.Flip(j)
		}
	})
}

// AppendBit adds a single bit to the end of d.
func (d *Dense) AppendBit(bit bool) {
	i, pos := d.len/byteSize, d.len%byteSize
	if pos == 0 {
		d.bits = append(d.bits, 0)
	}
	if bit {
		d.bits[i] |= 1 << pos
	}
	d.len++
}

// Append adds the contents of d2 to the end of d.
func (d *Dense) Append(d2 Dense) {
	if d.len%byteSize == 0 {
		d.bits = append(d.bits[:d.SizeBytes()], d2.bits...)
		d.len += d2.len
		return
	}
	for i := 0; i < d2.len; i++ {
		d.AppendBit(d2.Get(i))
	}
}

func (d *Dense) clearTail() {
	if off := d.len % byteSize; off != 0 {
		d.bits[len(d.bits)-1] &= 0xFF >> (byteSize - off)
	}
}
