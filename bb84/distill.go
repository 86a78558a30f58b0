package bb84

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/qkdlab/bb84sim/bb84/bitmap"
	"github.com/qkdlab/bb84sim/bb84/photon"
)

var (
	// ErrAborted is returned when the observed error rate is too high to
	// trust the sifted key.
	ErrAborted = errors.New("key distillation aborted")

	// ErrKeyTooShort is returned when privacy amplification would leave no
	// key at all.
	ErrKeyTooShort = errors.New("sifted key too short to distill")
)

const (
	// DefaultEpsilon is the security parameter used when DistillOpts leaves
	// Epsilon unset.
	DefaultEpsilon = 1e-6
	// DefaultSampleProportion is the share of sifted bits disclosed when
	// DistillOpts leaves SampleProportion unset.
	DefaultSampleProportion = 0.5
)

// Sift returns Alice's and Bob's sifted keys: their bits for every photon
// which Bob detected in Alice's basis, in photon order.
func Sift(records []photon.Record) (alice, bob bitmap.Dense) {
	for _, r := range records {
		b, ok := r.BMeas.Bit()
		if !ok || !r.Match {
			continue
		}
		alice.AppendBit(r.ABit == 1)
		bob.AppendBit(b == 1)
	}
	return alice, bob
}

// A DistillOpts packages together the parameters of key distillation.
type DistillOpts struct {
	// Rand shuffles the sifted bits before sampling and seeds the privacy
	// amplification hash. Must be non-nil.
	Rand *rand.Rand

	// SampleProportion is the share of sifted bits disclosed to estimate the
	// error rate. Defaults to DefaultSampleProportion.
	SampleProportion float64

	// Epsilon is the statistical distance from uniform the final key may have
	// given everything disclosed publicly. Defaults to DefaultEpsilon.
	Epsilon float64

	// WinnowIters, if non-empty, corrects Bob's retained bits before privacy
	// amplification with one Winnow pass per entry, each using that many
	// Hamming parity bits. See DefaultWinnowIters.
	WinnowIters []int
}

// A Key is the outcome of distilling a sifted key.
type Key struct {
	// Alice and Bob are the amplified keys each party computed. Without error
	// correction they only agree if no errors survived sampling.
	Alice, Bob bitmap.Dense

	// SampledQBER is the error rate, as a fraction, of the disclosed sample.
	SampledQBER float64
	// Sampled and Unsampled count the disclosed and retained sifted bits.
	Sampled, Unsampled int
	// Discarded counts the retained bits given up to error correction.
	Discarded int
	// Leaked bounds the number of bits of the retained key known to Eve.
	Leaked float64
}

// Agree reports whether Alice and Bob arrived at the same key.
func (k Key) Agree() bool {
	return bitmap.Equal(k.Alice, k.Bob)
}

// Distill turns the sifted key of records into a shorter key about which Eve
// knows essentially nothing. A share of the sifted bits is disclosed to
// estimate the error rate; if that estimate classifies as Danger distillation
// aborts with ErrAborted. The remainder is optionally error corrected, then
// compressed with a random Toeplitz hash whose output length accounts for the
// information Eve may hold.
func Distill(records []photon.Record, opts DistillOpts) (Key, error) {
	if opts.Rand == nil {
		return Key{}, fmt.Errorf("%w: must provide Rand", ErrInvalidConfig)
	}
	prop := opts.SampleProportion
	if prop == 0 {
		prop = DefaultSampleProportion
	}
	if prop < 0 || prop >= 1 {
		return Key{}, fmt.Errorf("%w: sample proportion must be in (0, 1), got %v", ErrInvalidConfig, prop)
	}
	eps := opts.Epsilon
	if eps == 0 {
		eps = DefaultEpsilon
	}
	if eps < 0 || eps >= 1 {
		return Key{}, fmt.Errorf("%w: epsilon must be in (0, 1), got %v", ErrInvalidConfig, eps)
	}
	if err := validateWinnowIters(opts.WinnowIters); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	alice, bob := Sift(records)
	seed := opts.Rand.Int63()
	aKeep, aSample, err := sample(alice, prop, seed)
	if err != nil {
		return Key{}, fmt.Errorf("sampling Alice's key: %w", err)
	}
	bKeep, bSample, err := sample(bob, prop, seed)
	if err != nil {
		return Key{}, fmt.Errorf("sampling Bob's key: %w", err)
	}
	if aSample.Size() == 0 || aKeep.Size() == 0 {
		return Key{}, fmt.Errorf("%w: %d sifted bits", ErrKeyTooShort, alice.Size())
	}

	k := Key{Sampled: aSample.Size(), Unsampled: aKeep.Size()}
	k.SampledQBER = float64(bitmap.CountOnes(bitmap.XOr(aSample, bSample))) / float64(aSample.Size())
	if Classify(100*k.SampledQBER) == Danger {
		return k, fmt.Errorf("%w: sampled QBER %.1f%%", ErrAborted, 100*k.SampledQBER)
	}
	if len(opts.WinnowIters) > 0 {
		w := winnower{rand: opts.Rand, iters: opts.WinnowIters}
		if aKeep, bKeep, err = w.reconcile(aKeep, bKeep); err != nil {
			return k, fmt.Errorf("reconciling: %w", err)
		}
		k.Discarded = k.Unsampled - aKeep.Size()
	}
	n := aKeep.Size()
	if n == 0 {
		return k, fmt.Errorf("%w: nothing left after error correction", ErrKeyTooShort)
	}
	k.Leaked = calcMaxEveInfo(k.SampledQBER, eps, n, k.Sampled)

	m := n - int(math.Ceil(k.Leaked+2*math.Log2(1/eps)))
	if m <= 0 {
		return k, fmt.Errorf("%w: %d retained bits, %.1f leaked", ErrKeyTooShort, n, k.Leaked)
	}
	diags := make([]byte, bitmap.BytesFor(m+n-1))
	opts.Rand.Read(diags)
	t := toeplitz{diags: bitmap.NewDense(diags, m+n-1), m: m, n: n}
	if k.Alice, err = t.Mul(aKeep); err != nil {
		return k, err
	}
	if k.Bob, err = t.Mul(bKeep); err != nil {
		return k, err
	}
	return k, nil
}

// calcMaxEveInfo returns a bound on the number of bits of information Eve
// could hold about n retained bits, given an error rate of qber observed on k
// sampled bits.
//
// See https://arxiv.org/abs/1506.08458, lemma 6, for the finite sample
// correction, and https://link.springer.com/article/10.1007/BF00191318 for the
// bound itself.
func calcMaxEveInfo(qber, eps float64, n, k int) float64 {
	A := float64(n) * float64(k) * float64(k) / (float64(n+k) * float64(k+1))
	nu := math.Sqrt(0.5 * math.Log(1/eps) / A)
	qberPessimistic := qber + nu
	return math.Min(float64(n), 2*math.Sqrt2*qberPessimistic*float64(n))
}

// sample shuffles bits with a generator seeded by seed and splits them into
// an unsampled head and a sampled tail holding proportion of the bits. Equal
// seeds and lengths produce the same split on both sides.
func sample(bits bitmap.Dense, proportion float64, seed int64) (unsampled, sampled bitmap.Dense, err error) {
	bits = bitmap.NewDense(bits.Data(), bits.Size())
	bits.Shuffle(rand.New(rand.NewSource(seed)))
	n := bits.Size()
	k := int(proportion * float64(n))
	if unsampled, err = bitmap.Slice(bits, 0, n-k); err != nil {
		return bitmap.Empty(), bitmap.Empty(), err
	}
	if sampled, err = bitmap.Slice(bits, n-k, n); err != nil {
		return bitmap.Empty(), bitmap.Empty(), err
	}
	return unsampled, sampled, nil
}
