package bb84

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/qkdlab/bb84sim/bb84/photon"
)

func TestSift(t *testing.T) {
	recs := []photon.Record{
		rec(1, true, 1),
		rec(0, false, 1),
		rec(0, true, 1),
		rec(1, true, -1),
		rec(0, true, 0),
	}
	alice, bob := Sift(recs)
	if got := alice.String(); got != "100" {
		t.Errorf("Alice's sifted key == %q, want %q", got, "100")
	}
	if got := bob.String(); got != "110" {
		t.Errorf("Bob's sifted key == %q, want %q", got, "110")
	}
	if st := Compute(recs); alice.Size() != st.SiftedKeyLength {
		t.Errorf("sifted key has %d bits, Compute() reports %d", alice.Size(), st.SiftedKeyLength)
	}
}

func TestDistillIdeal(t *testing.T) {
	recs := runToCompletion(t, 2000, photon.Config{ForceMatchBases: true}, 21)
	k, err := Distill(recs, DistillOpts{Rand: rand.New(rand.NewSource(22))})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Sampled != 1000 || k.Unsampled != 1000 {
		t.Errorf("sampled %d, retained %d, want 1000 each", k.Sampled, k.Unsampled)
	}
	if k.SampledQBER != 0 {
		t.Errorf("sampled QBER == %v on an ideal channel", k.SampledQBER)
	}
	if k.Alice.Size() == 0 || k.Alice.Size() >= k.Unsampled {
		t.Errorf("distilled key has %d bits from %d retained", k.Alice.Size(), k.Unsampled)
	}
	if !k.Agree() {
		t.Errorf("Alice and Bob distilled different keys")
	}
}

func TestDistillWithWinnow(t *testing.T) {
	recs := runToCompletion(t, 20000, photon.Config{ForceMatchBases: true, ChannelNoisePercent: 1}, 26)

	plain, err := Distill(recs, DistillOpts{Rand: rand.New(rand.NewSource(27))})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain.Agree() {
		t.Errorf("keys agree without error correction on a noisy channel")
	}

	k, err := Distill(recs, DistillOpts{Rand: rand.New(rand.NewSource(27)), WinnowIters: DefaultWinnowIters})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k.Discarded <= 0 || k.Discarded >= k.Unsampled {
		t.Errorf("error correction discarded %d of %d bits", k.Discarded, k.Unsampled)
	}
	if k.Alice.Size() == 0 || k.Alice.Size() >= plain.Alice.Size() {
		t.Errorf("corrected key has %d bits, uncorrected %d", k.Alice.Size(), plain.Alice.Size())
	}
	if !k.Agree() {
		t.Errorf("keys disagree after error correction")
	}

	if _, err := Distill(recs, DistillOpts{Rand: rand.New(rand.NewSource(27)), WinnowIters: []int{0}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Distill() with bad winnow passes: err == %v, want ErrInvalidConfig", err)
	}
}

func TestDistillDeterministic(t *testing.T) {
	recs := runToCompletion(t, 1500, photon.Config{ChannelNoisePercent: 2}, 23)
	k1, err1 := Distill(recs, DistillOpts{Rand: rand.New(rand.NewSource(24))})
	k2, err2 := Distill(recs, DistillOpts{Rand: rand.New(rand.NewSource(24))})
	if (err1 == nil) != (err2 == nil) {
		t.Fatalf("errors differ: %v, %v", err1, err2)
	}
	if k1.Alice.String() != k2.Alice.String() || k1.SampledQBER != k2.SampledQBER {
		t.Errorf("equal seeds distilled different keys")
	}
}

func TestDistillErrors(t *testing.T) {
	var noisy []photon.Record
	for i := 0; i < 400; i++ {
		noisy = append(noisy, rec(i%2, true, 0))
	}
	ideal := func(n int) []photon.Record {
		return runToCompletion(t, n, photon.Config{ForceMatchBases: true}, int64(n))
	}

	tcs := []struct {
		name    string
		records []photon.Record
		opts    DistillOpts
		eErr    error
	}{
		{"nil rand", ideal(100), DistillOpts{}, ErrInvalidConfig},
		{"sample proportion too large", ideal(100), DistillOpts{SampleProportion: 1.5}, ErrInvalidConfig},
		{"negative epsilon", ideal(100), DistillOpts{Epsilon: -1}, ErrInvalidConfig},
		{"no records", nil, DistillOpts{}, ErrKeyTooShort},
		{"single photon", ideal(1), DistillOpts{}, ErrKeyTooShort},
		{"tiny run", ideal(10), DistillOpts{}, ErrKeyTooShort},
		{"half the sifted bits wrong", noisy, DistillOpts{}, ErrAborted},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			opts := tc.opts
			if opts.Rand == nil && tc.name != "nil rand" {
				opts.Rand = rand.New(rand.NewSource(25))
			}
			_, err := Distill(tc.records, opts)
			if err == nil {
				t.Fatalf("expected error: got nil")
			}
			if !errors.Is(err, tc.eErr) {
				t.Errorf("Distill() err == %v, want %v", err, tc.eErr)
			}
		})
	}
}

func TestCalcMaxEveInfo(t *testing.T) {
	if got := calcMaxEveInfo(0.5, 1e-6, 100, 100); got != 100 {
		t.Errorf("calcMaxEveInfo(0.5) == %v, want the whole key", got)
	}
	low := calcMaxEveInfo(0.01, 1e-6, 10000, 10000)
	high := calcMaxEveInfo(0.05, 1e-6, 10000, 10000)
	if low <= 0 || low >= high {
		t.Errorf("calcMaxEveInfo not increasing in QBER: %v, %v", low, high)
	}
}
