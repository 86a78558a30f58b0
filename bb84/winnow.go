package bb84

import (
	"fmt"
	"math/bits"
	"math/rand"

	"github.com/qkdlab/bb84sim/bb84/bitmap"
)

// DefaultWinnowIters is a sequence of Winnow passes, by number of Hamming
// parity bits, suited to error rates of a few percent.
var DefaultWinnowIters = []int{3, 3, 3, 4, 6, 7, 7, 7}

// maxWinnowBits bounds the Hamming parity bits of a single pass.
const maxWinnowBits = 16

// A winnower corrects Bob's sifted key towards Alice's via the Winnow
// algorithm, as described in https://arxiv.org/abs/quant-ph/0203096. Both
// parties live in the same process, so the syndromes they would announce
// publicly are compared directly. Every announced parity bit is paid for by
// discarding a key bit.
type winnower struct {
	rand  *rand.Rand
	iters []int
}

func validateWinnowIters(iters []int) error {
	for _, h := range iters {
		if h < 1 || h > maxWinnowBits {
			return fmt.Errorf("winnow parity bits must be in [1, %d], got %d", maxWinnowBits, h)
		}
	}
	return nil
}

// reconcile runs every winnow pass over alice and bob, returning the
// shortened keys.
func (w winnower) reconcile(alice, bob bitmap.Dense) (bitmap.Dense, bitmap.Dense, error) {
	if alice.Size() != bob.Size() {
		return bitmap.Empty(), bitmap.Empty(), fmt.Errorf(
			"reconciling bitstrings of different lengths: %d != %d", alice.Size(), bob.Size())
	}
	var err error
	for _, hBits := range w.iters {
		if alice.Size() == 0 {
			break
		}
		alice, bob, err = w.winnow(alice, bob, hBits)
		if err != nil {
			return bitmap.Empty(), bitmap.Empty(), err
		}
	}
	return alice, bob, nil
}

func (w winnower) winnow(alice, bob bitmap.Dense, hBits int) (bitmap.Dense, bitmap.Dense, error) {
	seed := w.rand.Int63()
	alice = bitmap.NewDense(alice.Data(), alice.Size())
	bob = bitmap.NewDense(bob.Data(), bob.Size())
	alice.Shuffle(rand.New(rand.NewSource(seed)))
	bob.Shuffle(rand.New(rand.NewSource(seed)))

	aSyn, err := w.getSyndromes(alice, hBits)
	if err != nil {
		return bitmap.Empty(), bitmap.Empty(), err
	}
	bSyn, err := w.getSyndromes(bob, hBits)
	if err != nil {
		return bitmap.Empty(), bitmap.Empty(), err
	}

	// Blocks whose total parities differ hold an odd number of errors.
	todo := bitmap.Empty()
	var synSums []bitmap.Dense
	for i := range aSyn {
		differs := aSyn[i].Get(hBits) != bSyn[i].Get(hBits)
		todo.AppendBit(differs)
		if differs {
			synSums = append(synSums, bitmap.XOr(aSyn[i], bSyn[i]))
		}
	}
	// Alice announces, Bob fixes.
	if err := w.applySyndromes(&bob, synSums, todo, hBits); err != nil {
		return bitmap.Empty(), bitmap.Empty(), err
	}
	return w.maintainPrivacy(alice, todo, hBits), w.maintainPrivacy(bob, todo, hBits), nil
}

func (w winnower) applySyndromes(x *bitmap.Dense, synSums []bitmap.Dense, todo bitmap.Dense, hBits int) error {
	if len(synSums) != bitmap.CountOnes(todo) {
		return fmt.Errorf("got %d syndromes for %d blocks to fix", len(synSums), bitmap.CountOnes(todo))
	}
	n := 1 << hBits
	for i, k := 0, -1; i < todo.Size(); i++ {
		if !todo.Get(i) {
			continue
		}
		k++
		syn := synSums[k]
		pos := 0
		for j := 0; j < hBits; j++ {
			if syn.Get(j) {
				pos |= 1 << j
			}
		}
		pos-- // cardinal/ordinal correction
		if pos < 0 {
			pos = n - 1 // total parity flip
		}
		// An error located in the zero padding of the last block is a
		// miscorrection; there is nothing to flip.
		if idx := i*n + pos; idx < x.Size() {
			x.Flip(idx)
		}
	}
	return nil
}

func (w winnower) maintainPrivacy(x bitmap.Dense, todo bitmap.Dense, hBits int) bitmap.Dense {
	keep := bitmap.Empty()
	n := 1 << hBits
	for i := 0; i < todo.Size(); i++ {
		if !todo.Get(i) {
			for j := 0; j < n-1; j++ {
				keep.AppendBit(true)
			}
			keep.AppendBit(false)
			continue
		}

		for j := 0; j < n; j++ {
			keep.AppendBit(bits.OnesCount(uint(j+1)) != 1)
		}
	}
	return bitmap.Select(x, keep)
}

func (w winnower) getSyndromes(x bitmap.Dense, hBits int) ([]bitmap.Dense, error) {
	var r []bitmap.Dense
	bSize := 1 << hBits
	for i := 0; i < x.Size(); i += bSize {
		end := i + bSize
		if end > x.Size() {
			end = x.Size()
		}
		block, err := bitmap.Slice(x, i, end)
		if err != nil {
			return nil, err
		}
		if end-i < bSize {
			block = bitmap.NewDense(block.Data(), bSize)
		}
		syndrome, err := w.secded(block, hBits)
		if err != nil {
			return nil, err
		}
		r = append(r, syndrome)
	}
	return r, nil
}

func (w winnower) secded(block bitmap.Dense, hBits int) (bitmap.Dense, error) {
	if block.Size() != 1<<hBits {
		return bitmap.Empty(), fmt.Errorf(
			"hamming SECDED with %d parity bits needs block of %d, got %d", hBits, 1<<hBits, block.Size())
	}
	r := bitmap.Empty()

	// The p-th hamming parity bit checks the parity of bits in strides of 2^p. E.g.
	// the 0th bit checks positions {0, 2, 4, ...}, the 1st checks
	// {1,2, 5,6, ...}, the 2nd {3,4,5,6, 11,12,13,14, ...}.
	for p := 0; p < hBits; p++ {
		stride := 1 << p
		parity := false
		for i := stride - 1; i < block.Size(); i += 2 * stride {
			for j := i; j < i+stride && j < block.Size(); j++ {
				parity = (block.Get(j) != parity)
			}
		}
		r.AppendBit(parity)
	}

	// Finish by inserting a total parity bit.
	r.AppendBit(bitmap.Parity(block))

	return r, nil
}
