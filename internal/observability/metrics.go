// Package observability exports the progress of BB84 sessions as Prometheus
// metrics.
package observability

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qkdlab/bb84sim/bb84"
	"github.com/qkdlab/bb84sim/bb84/photon"
)

// A Collector bundles the Prometheus metrics describing BB84 sessions.
// Photon counters accumulate across every session; sifted key gauges carry a
// session label and are fed by the SessionMetrics returned by Session.
type Collector struct {
	gatherer prometheus.Gatherer

	Photons     *prometheus.CounterVec
	Intercepted prometheus.Counter

	SiftedKeyLength *prometheus.GaugeVec
	ErrorsInSifted  *prometheus.GaugeVec
	QBER            *prometheus.GaugeVec
	Security        *prometheus.GaugeVec
}

// NewCollector registers session metrics against reg, defaulting to the
// global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{gatherer: prometheus.DefaultGatherer}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	c.Photons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bb84_photons_total",
		Help: "Photons sent, labeled by whether Bob's basis matched Alice's or the photon was lost.",
	}, []string{"status"})
	c.Intercepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bb84_photons_intercepted_total",
		Help: "Photons Eve intercepted and resent.",
	})
	c.SiftedKeyLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bb84_sifted_key_length",
		Help: "Bits in the sifted key so far.",
	}, []string{"session"})
	c.ErrorsInSifted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bb84_sifted_errors",
		Help: "Sifted bits on which Alice and Bob disagree.",
	}, []string{"session"})
	c.QBER = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bb84_qber_percent",
		Help: "Quantum bit error rate of the sifted key, in percent, rounded to one decimal place.",
	}, []string{"session"})
	c.Security = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bb84_security_level",
		Help: "Security classification of the sifted key: 0 SAFE, 1 BEWARE, 2 DANGER.",
	}, []string{"session"})
	for _, m := range []struct {
		name string
		col  prometheus.Collector
	}{
		{"bb84_photons_total", c.Photons},
		{"bb84_photons_intercepted_total", c.Intercepted},
		{"bb84_sifted_key_length", c.SiftedKeyLength},
		{"bb84_sifted_errors", c.ErrorsInSifted},
		{"bb84_qber_percent", c.QBER},
		{"bb84_security_level", c.Security},
	} {
		if err := register(reg, m.col, m.name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func register(reg prometheus.Registerer, col prometheus.Collector, name string) error {
	if err := reg.Register(col); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return nil
}

// Session returns the metrics of the session identified by id. The result
// implements bb84.Observer, so it can be attached to that session through
// bb84.SessionOpts.Observers.
func (c *Collector) Session(id string) *SessionMetrics {
	m := &SessionMetrics{
		c:               c,
		id:              id,
		SiftedKeyLength: c.SiftedKeyLength.WithLabelValues(id),
		ErrorsInSifted:  c.ErrorsInSifted.WithLabelValues(id),
		QBER:            c.QBER.WithLabelValues(id),
		Security:        c.Security.WithLabelValues(id),
	}
	m.Reset()
	return m
}

// SessionMetrics tracks the sifted key of a single session.
type SessionMetrics struct {
	c  *Collector
	id string

	SiftedKeyLength prometheus.Gauge
	ErrorsInSifted  prometheus.Gauge
	QBER            prometheus.Gauge
	Security        prometheus.Gauge

	mu            sync.Mutex
	matched, errs int
}

// Observe implements bb84.Observer.
func (m *SessionMetrics) Observe(rec photon.Record) {
	m.c.Photons.WithLabelValues(statusLabel(rec.Status())).Inc()
	if rec.Eve.Intercepted {
		m.c.Intercepted.Inc()
	}
	b, ok := rec.BMeas.Bit()
	if !ok || !rec.Match {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.matched++
	if b != rec.ABit {
		m.errs++
	}
	m.set()
}

// Reset zeroes the sifted key gauges, as when the session is re-initialized.
// Counters keep accumulating.
func (m *SessionMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matched, m.errs = 0, 0
	m.set()
}

// set publishes the gauges. Must be called with m.mu held.
func (m *SessionMetrics) set() {
	qber := bb84.QBERPercent(m.errs, m.matched)
	m.SiftedKeyLength.Set(float64(m.matched))
	m.ErrorsInSifted.Set(float64(m.errs))
	m.QBER.Set(qber)
	m.Security.Set(float64(bb84.Classify(qber)))
}

// Close removes the session's gauges from the collector.
func (m *SessionMetrics) Close() {
	m.c.SiftedKeyLength.DeleteLabelValues(m.id)
	m.c.ErrorsInSifted.DeleteLabelValues(m.id)
	m.c.QBER.DeleteLabelValues(m.id)
	m.c.Security.DeleteLabelValues(m.id)
}

// Handler returns an HTTP handler exposing the metrics the collector was
// registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// WriteTextfile writes the collector's metrics to path in the text
// exposition format, for pickup by node_exporter's textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.gatherer)
}

func statusLabel(s photon.Status) string {
	switch s {
	case photon.StatusMatch:
		return "match"
	case photon.StatusMismatch:
		return "mismatch"
	}
	return "lost"
}
