package bb84

import (
	"github.com/google/uuid"
	"github.com/qkdlab/bb84sim/bb84/photon"
	"github.com/sirupsen/logrus"
)

// A Session owns a single run of the protocol: the number of photons Alice
// plans to send, the channel they travel through, and the append-only log of
// what happened to each photon so far.
//
// A Session is not safe for concurrent use.
type Session struct {
	id        uuid.UUID
	rand      photon.Rand
	observers []Observer
	log       logrus.FieldLogger

	photonCount int
	cfg         photon.Config
	records     []photon.Record
}

// ID returns the identifier of s, which tags its log lines.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// PhotonCount returns the number of photons s plans to send.
func (s *Session) PhotonCount() int {
	return s.photonCount
}

// Config returns the channel configuration of the current run.
func (s *Session) Config() photon.Config {
	return s.cfg
}

// Initialize discards every record and starts a new run of photonCount
// photons under cfg. If the parameters are invalid, s is left untouched.
func (s *Session) Initialize(photonCount int, cfg photon.Config) error {
	if err := validate(photonCount, cfg); err != nil {
		return err
	}
	s.photonCount = photonCount
	s.cfg = cfg
	s.records = nil
	s.logInit()
	return nil
}

// Reset discards every record, keeping the current configuration.
func (s *Session) Reset() {
	s.records = nil
	s.log.Info("session reset")
}

// Remaining returns the number of photons left to send.
func (s *Session) Remaining() int {
	return s.photonCount - len(s.records)
}

// Exhausted reports whether every planned photon has been sent.
func (s *Session) Exhausted() bool {
	return s.Remaining() <= 0
}

// AdvanceOne sends the next photon and returns its record, or ErrExhausted if
// every planned photon has already been sent.
func (s *Session) AdvanceOne() (photon.Record, error) {
	if s.Exhausted() {
		s.log.WithField("photons", s.photonCount).Warn("advance past planned photon count")
		return photon.Record{}, ErrExhausted
	}
	rec := photon.Step(s.cfg, len(s.records)+1, s.rand)
	s.records = append(s.records, rec)
	s.log.WithFields(logrus.Fields{
		"index":       rec.Index,
		"status":      rec.Status().String(),
		"intercepted": rec.Eve.Intercepted,
	}).Debug(rec.Summary())
	for _, o := range s.observers {
		o.Observe(rec)
	}
	return rec, nil
}

// AdvanceAll sends every remaining photon and returns their records. On an
// exhausted session it returns ErrExhausted and leaves the records as they
// were.
func (s *Session) AdvanceAll() ([]photon.Record, error) {
	if s.Exhausted() {
		return nil, ErrExhausted
	}
	batch := make([]photon.Record, 0, s.Remaining())
	for !s.Exhausted() {
		rec, err := s.AdvanceOne()
		if err != nil {
			return batch, err
		}
		batch = append(batch, rec)
	}
	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"sifted":   st.SiftedKeyLength,
		"qber":     st.QBER,
		"security": st.Security.String(),
	}).Info("run complete")
	return batch, nil
}

// Records returns a copy of the records produced so far, in photon order.
func (s *Session) Records() []photon.Record {
	return append([]photon.Record(nil), s.records...)
}

// Stats computes statistics over the records produced so far.
func (s *Session) Stats() Stats {
	return Compute(s.records)
}

func (s *Session) logInit() {
	im := s.cfg.Impairments()
	s.log.WithFields(logrus.Fields{
		"photons":          s.photonCount,
		"eve_enabled":      s.cfg.EveEnabled,
		"eve_intercept":    s.cfg.EveInterceptPercent,
		"loss_percent":     im.LossPercent,
		"noise_percent":    im.NoisePercent,
		"distance_km":      s.cfg.ChannelDistanceKm,
		"force_match_base": s.cfg.ForceMatchBases,
	}).Info("session initialized")
}
