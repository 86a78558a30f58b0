// Package photon models the journey of a single polarization-encoded photon
// from Alice to Bob, including an optional intercept-resend eavesdropper and
// the impairments of the quantum channel between them.
package photon

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// NotApplicable is how fields that do not apply to a photon are rendered,
// e.g. Eve's basis for a photon she never touched.
const NotApplicable = "—"

// A Bit is a logical bit value, 0 or 1.
type Bit uint8

// Flip returns the complement of b.
func (b Bit) Flip() Bit {
	return b ^ 1
}

func (b Bit) String() string {
	if b == 0 {
		return "0"
	}
	return "1"
}

// A Basis is one of the two polarization orientations used by BB84.
type Basis uint8

const (
	Rectilinear Basis = iota
	Diagonal
)

func (b Basis) String() string {
	switch b {
	case Rectilinear:
		return "+"
	case Diagonal:
		return "×"
	}
	return fmt.Sprintf("Basis(%d)", uint8(b))
}

// MarshalJSON renders b with its display symbol.
func (b Basis) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// An Interception describes what Eve did to a photon. The zero value means
// she let it pass, in which case every other field is meaningless and is
// rendered as NotApplicable.
type Interception struct {
	Intercepted bool
	Basis       Basis
	Measured    Bit
	ResendBit   Bit
	ResendBasis Basis
}

// NoInterception is the Interception of a photon that Eve did not touch.
var NoInterception = Interception{}

// field returns a display form of a basis or bit belonging to Eve, or
// NotApplicable if she did not intercept.
func (i Interception) field(v fmt.Stringer) string {
	if !i.Intercepted {
		return NotApplicable
	}
	return v.String()
}

// A Measurement is the outcome of Bob's detector: either a bit, or nothing
// at all because the photon never arrived.
type Measurement struct {
	bit      Bit
	detected bool
}

// Detected returns a Measurement of bit b.
func Detected(b Bit) Measurement {
	return Measurement{bit: b, detected: true}
}

// Lost returns the Measurement of a photon that never reached Bob.
func Lost() Measurement {
	return Measurement{}
}

// Bit returns the measured bit, and false if the photon was lost.
func (m Measurement) Bit() (Bit, bool) {
	return m.bit, m.detected
}

// IsLost reports whether the photon never reached Bob.
func (m Measurement) IsLost() bool {
	return !m.detected
}

func (m Measurement) String() string {
	if !m.detected {
		return "✖"
	}
	return m.bit.String()
}

// MarshalJSON renders a lost photon as null.
func (m Measurement) MarshalJSON() ([]byte, error) {
	if !m.detected {
		return []byte("null"), nil
	}
	return json.Marshal(uint8(m.bit))
}

// A Status is the display label of a transmission record.
type Status uint8

const (
	StatusMismatch Status = iota
	StatusMatch
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusMatch:
		return "Yes"
	case StatusLost:
		return "Lost"
	}
	return "No"
}

// A Record captures everything that happened to a single photon. Records are
// created once by Step and never modified afterwards.
type Record struct {
	// Index is the 1-based position of the photon within its session.
	Index int

	ABit   Bit
	ABasis Basis

	Eve Interception

	BBasis Basis
	BMeas  Measurement

	// Match is true iff Alice and Bob chose the same basis. It deliberately
	// ignores Eve and photon loss.
	Match bool
}

// Status returns the display label for r.
func (r Record) Status() Status {
	switch {
	case r.BMeas.IsLost():
		return StatusLost
	case r.Match:
		return StatusMatch
	}
	return StatusMismatch
}

// Summary returns a one-line human readable description of r.
func (r Record) Summary() string {
	eve := ""
	if r.Eve.Intercepted {
		eve = fmt.Sprintf("Eve:%v%v→", r.Eve.Basis, r.Eve.Measured)
	}
	if r.BMeas.IsLost() {
		return fmt.Sprintf("Photon #%d processed. %sBob:— (lost)", r.Index, eve)
	}
	return fmt.Sprintf("Photon #%d measured. %sBob:%v%v", r.Index, eve, r.BBasis, r.BMeas)
}

// RowHeader names the columns of Record.Row.
var RowHeader = []string{"#", "A-bit", "A-basis", "E-basis", "E-meas", "E-resend", "E-resend-basis", "B-basis", "B-meas", "Match"}

// Row renders r as one display cell per column of RowHeader.
func (r Record) Row() []string {
	return []string{
		strconv.Itoa(r.Index),
		r.ABit.String(),
		r.ABasis.String(),
		r.Eve.field(r.Eve.Basis),
		r.Eve.field(r.Eve.Measured),
		r.Eve.field(r.Eve.ResendBit),
		r.Eve.field(r.Eve.ResendBasis),
		r.BBasis.String(),
		r.BMeas.String(),
		r.Status().String(),
	}
}

// MarshalJSON renders r with the flat field names a browser UI expects. Eve's
// fields are always present, holding NotApplicable when she did not act.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Index          int         `json:"index"`
		ABit           uint8       `json:"aBit"`
		ABasis         Basis       `json:"aBasis"`
		EveIntercepted bool        `json:"eveIntercepted"`
		EveBasis       string      `json:"eveBasis"`
		EveMeas        string      `json:"eveMeas"`
		EveResendBit   string      `json:"eveResendBit"`
		EveResendBasis string      `json:"eveResendBasis"`
		BBasis         Basis       `json:"bBasis"`
		BMeas          Measurement `json:"bMeas"`
		Match          bool        `json:"match"`
		Status         string      `json:"status"`
	}{
		Index:          r.Index,
		ABit:           uint8(r.ABit),
		ABasis:         r.ABasis,
		EveIntercepted: r.Eve.Intercepted,
		EveBasis:       r.Eve.field(r.Eve.Basis),
		EveMeas:        r.Eve.field(r.Eve.Measured),
		EveResendBit:   r.Eve.field(r.Eve.ResendBit),
		EveResendBasis: r.Eve.field(r.Eve.ResendBasis),
		BBasis:         r.BBasis,
		BMeas:          r.BMeas,
		Match:          r.Match,
		Status:         r.Status().String(),
	})
}
