// Package stream drives BB84 sessions over WebSocket connections, one session
// per connection, for browser front ends that animate the run photon by
// photon.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/qkdlab/bb84sim/bb84"
	"github.com/qkdlab/bb84sim/bb84/photon"
	"github.com/qkdlab/bb84sim/internal/observability"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Message types exchanged with clients.
const (
	TypeInit   = "init"
	TypeNext   = "next"
	TypeAll    = "all"
	TypeReset  = "reset"
	TypeReady  = "ready"
	TypeRecord = "record"
	TypeStats  = "stats"
	TypeError  = "error"
)

// A Request is a message sent by a client. Init requests carry the photon
// count and channel configuration of the new run.
type Request struct {
	Type    string `json:"type"`
	Photons int    `json:"photons,omitempty"`
	photon.Config
}

// A Reply is a message sent to a client.
type Reply struct {
	Type      string         `json:"type"`
	Session   string         `json:"session,omitempty"`
	Photons   int            `json:"photons,omitempty"`
	Remaining int            `json:"remaining"`
	Record    *photon.Record `json:"record,omitempty"`
	Stats     *bb84.Stats    `json:"stats,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// A ServerOpts packages together the arguments of NewServer.
type ServerOpts struct {
	// AllowedOrigins lists the origins browsers may connect from. Empty
	// allows any origin.
	AllowedOrigins []string

	// Seed, if non-zero, seeds the randomness of every session, making runs
	// reproducible. Otherwise sessions are seeded from the clock.
	Seed int64

	// Collector, if non-nil, observes every session under its own session
	// label and is exposed at /metrics. A session's gauges are removed when
	// its connection closes.
	Collector *observability.Collector

	// Logger receives diagnostics. Defaults to discarding them.
	Logger logrus.FieldLogger
}

// A Server upgrades HTTP requests on /ws to WebSocket connections, each
// driving its own session.
type Server struct {
	opts     ServerOpts
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	handler  http.Handler
	conns    int64
}

// NewServer returns a Server configured in accordance with opts.
func NewServer(opts ServerOpts) *Server {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	s := &Server{opts: opts, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if opts.Collector != nil {
		mux.Handle("/metrics", opts.Collector.Handler())
	}
	s.handler = c.Handler(mux)
	return s
}

// Handler returns the HTTP handler serving every endpoint of s.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	s.log.WithField("addr", addr).Info("stream server started")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down stream server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// originAllowed reports whether a browser at origin may connect. Requests
// without an Origin header do not come from browsers and are always allowed.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": atomic.LoadInt64(&s.conns),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	atomic.AddInt64(&s.conns, 1)
	defer atomic.AddInt64(&s.conns, -1)

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("client connected")
	h := &handler{srv: s, conn: conn, log: log}
	defer h.close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		if err := h.handle(msg); err != nil {
			log.WithError(err).Warn("websocket write failed")
			return
		}
	}
}

// A handler serves the messages of a single connection.
type handler struct {
	srv     *Server
	conn    *websocket.Conn
	log     logrus.FieldLogger
	session *bb84.Session
	metrics *observability.SessionMetrics
}

// handle processes one client message. Only write failures are returned;
// protocol errors are reported to the client.
func (h *handler) handle(msg []byte) error {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return h.fail(fmt.Errorf("malformed message: %w", err))
	}
	if req.Type != TypeInit && h.session == nil {
		return h.fail(errors.New("session not initialized"))
	}

	switch req.Type {
	case TypeInit:
		return h.init(req)
	case TypeReset:
		h.session.Reset()
		h.resetMetrics()
		return h.ready()
	case TypeNext:
		rec, err := h.session.AdvanceOne()
		if err != nil {
			return h.fail(err)
		}
		if err := h.sendRecord(rec); err != nil {
			return err
		}
		return h.sendStats()
	case TypeAll:
		recs, err := h.session.AdvanceAll()
		if err != nil {
			return h.fail(err)
		}
		for _, rec := range recs {
			if err := h.sendRecord(rec); err != nil {
				return err
			}
		}
		return h.sendStats()
	}
	return h.fail(fmt.Errorf("unknown message type %q", req.Type))
}

func (h *handler) init(req Request) error {
	if h.session != nil {
		if err := h.session.Initialize(req.Photons, req.Config); err != nil {
			return h.fail(err)
		}
		h.resetMetrics()
		return h.ready()
	}

	seed := h.srv.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	opts := bb84.SessionOpts{
		ID:          uuid.New(),
		PhotonCount: req.Photons,
		Channel:     req.Config,
		Rand:        rand.New(rand.NewSource(seed)),
		Logger:      h.log,
	}
	var m *observability.SessionMetrics
	if c := h.srv.opts.Collector; c != nil {
		m = c.Session(opts.ID.String())
		opts.Observers = []bb84.Observer{m}
	}
	s, err := bb84.NewSession(opts)
	if err != nil {
		if m != nil {
			m.Close()
		}
		return h.fail(err)
	}
	h.session, h.metrics = s, m
	return h.ready()
}

func (h *handler) resetMetrics() {
	if h.metrics != nil {
		h.metrics.Reset()
	}
}

func (h *handler) close() {
	if h.metrics != nil {
		h.metrics.Close()
	}
}

func (h *handler) ready() error {
	return h.conn.WriteJSON(Reply{
		Type:      TypeReady,
		Session:   h.session.ID().String(),
		Photons:   h.session.PhotonCount(),
		Remaining: h.session.Remaining(),
	})
}

func (h *handler) sendRecord(rec photon.Record) error {
	return h.conn.WriteJSON(Reply{
		Type:      TypeRecord,
		Record:    &rec,
		Remaining: h.session.PhotonCount() - rec.Index,
	})
}

func (h *handler) sendStats() error {
	st := h.session.Stats()
	return h.conn.WriteJSON(Reply{
		Type:      TypeStats,
		Stats:     &st,
		Remaining: h.session.Remaining(),
	})
}

func (h *handler) fail(err error) error {
	h.log.WithError(err).Debug("rejecting client message")
	r := Reply{Type: TypeError, Error: err.Error()}
	if h.session != nil {
		r.Remaining = h.session.Remaining()
	}
	return h.conn.WriteJSON(r)
}
