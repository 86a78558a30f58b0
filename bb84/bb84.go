// Package bb84 simulates runs of the BB84 quantum key distribution protocol:
// sessions which send photons one at a time through a configurable channel,
// and the statistics Alice and Bob derive from the photons once sifted.
package bb84

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/qkdlab/bb84sim/bb84/photon"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidConfig is wrapped by every error caused by nonsensical session
	// parameters.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrExhausted is returned when advancing a session which has already sent
	// every photon it planned to.
	ErrExhausted = errors.New("session exhausted")
)

// An Observer is notified of every record a Session produces, in order.
type Observer interface {
	Observe(rec photon.Record)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(photon.Record)

// Observe implements the Observer interface.
func (f ObserverFunc) Observe(rec photon.Record) { f(rec) }

// A SessionOpts packages together the arguments necessary to construct a new
// Session.
type SessionOpts struct {
	// ID identifies the session in logs and metrics. Defaults to a random
	// UUID.
	ID uuid.UUID

	// PhotonCount is the number of photons Alice plans to send. Must be
	// positive.
	PhotonCount int

	// Channel describes Eve and the quantum channel.
	Channel photon.Config

	// Rand provides the randomness behind every photon. Supply a seeded source
	// for reproducible runs. Defaults to a time-seeded *rand.Rand.
	Rand photon.Rand

	// Observers are notified of every record, after it has been appended.
	Observers []Observer

	// Logger receives diagnostics. Defaults to discarding them.
	Logger logrus.FieldLogger
}

func validate(photonCount int, cfg photon.Config) error {
	if photonCount <= 0 {
		return fmt.Errorf("%w: photon count must be positive, got %d", ErrInvalidConfig, photonCount)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// NewSession returns a new, empty Session configured in accordance with opts,
// or an error if the options are nonsensical.
func NewSession(opts SessionOpts) (*Session, error) {
	if err := validate(opts.PhotonCount, opts.Channel); err != nil {
		return nil, err
	}
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	s := &Session{
		id:          id,
		rand:        r,
		observers:   opts.Observers,
		log:         log.WithField("session", id.String()),
		photonCount: opts.PhotonCount,
		cfg:         opts.Channel,
	}
	s.logInit()
	return s, nil
}
