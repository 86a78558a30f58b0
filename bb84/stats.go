package bb84

import (
	"fmt"
	"math"

	"github.com/qkdlab/bb84sim/bb84/photon"
	"gonum.org/v1/gonum/stat/distuv"
)

// QBER thresholds, in percent, separating the three security levels.
const (
	SafeQBERLimit   = 11.0
	DangerQBERLimit = 25.0
)

// A Security classifies how trustworthy a sifted key is, given its QBER.
type Security int

const (
	// Safe keys showed an error rate consistent with an honest channel.
	Safe Security = iota
	// Beware keys showed enough errors to suspect an eavesdropper.
	Beware
	// Danger keys showed enough errors to confirm one; the key must be
	// abandoned.
	Danger
)

func (s Security) String() string {
	switch s {
	case Safe:
		return "SAFE"
	case Beware:
		return "BEWARE"
	case Danger:
		return "DANGER"
	}
	return fmt.Sprintf("Security(%d)", int(s))
}

// MarshalText renders s by name.
func (s Security) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a Security rendered by MarshalText.
func (s *Security) UnmarshalText(b []byte) error {
	for _, c := range []Security{Safe, Beware, Danger} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown security level %q", b)
}

// Classify partitions QBER percentages into [0, 11) SAFE, [11, 25] BEWARE and
// (25, 100] DANGER.
func Classify(qber float64) Security {
	switch {
	case qber < SafeQBERLimit:
		return Safe
	case qber <= DangerQBERLimit:
		return Beware
	}
	return Danger
}

// Stats packages together the metrics derived from a sequence of
// transmission records.
type Stats struct {
	// Sent is the number of records, Lost the number of them Bob never saw.
	Sent int `json:"sent"`
	Lost int `json:"lost"`

	// Matched and Mismatched count detected photons by basis agreement.
	Matched    int `json:"matchedCount"`
	Mismatched int `json:"mismatchedCount"`

	// Correct and Incorrect compare Bob's detected bit against Alice's bit,
	// regardless of basis.
	Correct   int `json:"correctCount"`
	Incorrect int `json:"incorrectCount"`

	SiftedKeyLength int `json:"siftedKeyLength"`
	ErrorsInSifted  int `json:"errorsInSifted"`

	// QBER is the percentage of sifted bits in error, rounded to one decimal
	// place.
	QBER     float64  `json:"qber"`
	Security Security `json:"securityStatus"`
}

// Compute derives Stats from records. It has no side effects and may be
// called at any point of a run.
func Compute(records []photon.Record) Stats {
	s := Stats{Sent: len(records)}
	for _, r := range records {
		b, ok := r.BMeas.Bit()
		if !ok {
			s.Lost++
			continue
		}
		correct := b == r.ABit
		if correct {
			s.Correct++
		} else {
			s.Incorrect++
		}
		if !r.Match {
			s.Mismatched++
			continue
		}
		s.Matched++
		if !correct {
			s.ErrorsInSifted++
		}
	}
	s.SiftedKeyLength = s.Matched
	s.QBER = QBERPercent(s.ErrorsInSifted, s.Matched)
	s.Security = Classify(s.QBER)
	return s
}

// QBERPercent returns errors/n as a percentage rounded to one decimal place,
// or 0 if n is 0. Classify expects its input rounded this way.
func QBERPercent(errors, n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Round(float64(errors)/float64(n)*1000) / 10
}

// QBERInterval returns a Wilson score interval, in percent, for the true
// error rate of the channel given the sifted bits in s, at the provided
// two-sided confidence level (e.g. 0.95). With no sifted bits the interval is
// the uninformative [0, 100].
func QBERInterval(s Stats, confidence float64) (lo, hi float64, err error) {
	if confidence <= 0 || confidence >= 1 {
		return 0, 0, fmt.Errorf("confidence must be in (0, 1), got %v", confidence)
	}
	n := float64(s.SiftedKeyLength)
	if n == 0 {
		return 0, 100, nil
	}
	z := distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
	p := float64(s.ErrorsInSifted) / n
	denom := 1 + z*z/n
	center := (p + z*z/(2*n)) / denom
	half := z * math.Sqrt(p*(1-p)/n+z*z/(4*n*n)) / denom
	return 100 * math.Max(0, center-half), 100 * math.Min(1, center+half), nil
}

// A SeriesPoint is the running QBER after a given number of sifted bits.
type SeriesPoint struct {
	SiftedLength int     `json:"siftedLength"`
	QBER         float64 `json:"qber"`
}

// QBERSeries returns the running, unrounded QBER percentage each time a new
// sifted bit forms, i.e. the QBER as a function of sifted key length.
func QBERSeries(records []photon.Record) []SeriesPoint {
	var (
		pts           []SeriesPoint
		matched, errs int
	)
	for _, r := range records {
		b, ok := r.BMeas.Bit()
		if !ok || !r.Match {
			continue
		}
		matched++
		if b != r.ABit {
			errs++
		}
		pts = append(pts, SeriesPoint{
			SiftedLength: matched,
			QBER:         float64(errs) / float64(matched) * 100,
		})
	}
	return pts
}
