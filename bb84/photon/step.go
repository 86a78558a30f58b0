package photon

// A Rand provides the randomness behind every choice made while simulating a
// photon. *math/rand.Rand satisfies it; tests may substitute a scripted
// source.
type Rand interface {
	// Intn returns a uniform integer in [0, n).
	Intn(n int) int
	// Float64 returns a uniform float in [0, 1).
	Float64() float64
}

func randomBit(r Rand) Bit {
	return Bit(r.Intn(2))
}

func randomBasis(r Rand) Basis {
	return Basis(r.Intn(2))
}

// chance returns true with probability pct/100. Certain outcomes consume no
// randomness.
func chance(r Rand, pct float64) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return r.Float64() < pct/100
}

// measure returns the result of measuring a photon prepared as (bit, prepared)
// in basis. A basis mismatch collapses the photon to a uniformly random bit.
func measure(r Rand, bit Bit, prepared, basis Basis) Bit {
	if basis == prepared {
		return bit
	}
	return randomBit(r)
}

// Step simulates the index-th photon of a run under cfg. cfg is assumed to
// be valid.
//
// Randomness is consumed in a fixed order: Alice's bit and basis, Eve's
// intercept trial (only when she is enabled), Eve's basis and any collapse,
// Bob's basis (unless forced), the loss trial, Bob's collapse, and finally the
// noise trial.
func Step(cfg Config, index int, r Rand) Record {
	rec := Record{
		Index:  index,
		ABit:   randomBit(r),
		ABasis: randomBasis(r),
		Eve:    NoInterception,
	}

	sentBit, sentBasis := rec.ABit, rec.ABasis
	if cfg.EveEnabled && chance(r, cfg.EveInterceptPercent) {
		eb := randomBasis(r)
		em := measure(r, rec.ABit, rec.ABasis, eb)
		rec.Eve = Interception{
			Intercepted: true,
			Basis:       eb,
			Measured:    em,
			ResendBit:   em,
			ResendBasis: eb,
		}
		sentBit, sentBasis = rec.Eve.ResendBit, rec.Eve.ResendBasis
	}

	if cfg.ForceMatchBases {
		rec.BBasis = rec.ABasis
	} else {
		rec.BBasis = randomBasis(r)
	}
	rec.Match = rec.ABasis == rec.BBasis

	im := cfg.Impairments()
	if chance(r, im.LossPercent) {
		rec.BMeas = Lost()
		return rec
	}
	b := measure(r, sentBit, sentBasis, rec.BBasis)
	if chance(r, im.NoisePercent) {
		b = b.Flip()
	}
	rec.BMeas = Detected(b)
	return rec
}
