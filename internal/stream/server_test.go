package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qkdlab/bb84sim/bb84"
	"github.com/qkdlab/bb84sim/internal/observability"
)

// reply mirrors Reply with the record left undecoded.
type reply struct {
	Type      string          `json:"type"`
	Session   string          `json:"session"`
	Photons   int             `json:"photons"`
	Remaining int             `json:"remaining"`
	Record    json.RawMessage `json:"record"`
	Stats     *bb84.Stats     `json:"stats"`
	Error     string          `json:"error"`
}

func dial(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("writing %s: %v", msg, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn, typ string) reply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var r reply
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if r.Type != typ {
		t.Fatalf("got %q reply (%+v), want %q", r.Type, r, typ)
	}
	return r
}

func recordIndex(t *testing.T, r reply) int {
	t.Helper()
	var rec struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal(r.Record, &rec); err != nil {
		t.Fatalf("decoding record %s: %v", r.Record, err)
	}
	return rec.Index
}

func TestSessionOverWebSocket(t *testing.T) {
	reg := prometheus.NewRegistry()
	col, err := observability.NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	srv := httptest.NewServer(NewServer(ServerOpts{Seed: 1, Collector: col}).Handler())
	defer srv.Close()
	conn := dial(t, srv, "")

	send(t, conn, `{"type":"next"}`)
	if r := recv(t, conn, TypeError); !strings.Contains(r.Error, "not initialized") {
		t.Errorf("unexpected error %q", r.Error)
	}

	send(t, conn, `{"type":"init","photons":4,"forceMatchBases":true}`)
	r := recv(t, conn, TypeReady)
	if r.Photons != 4 || r.Remaining != 4 || r.Session == "" {
		t.Errorf("unexpected ready reply %+v", r)
	}
	sifted := col.SiftedKeyLength.WithLabelValues(r.Session)

	send(t, conn, `{"type":"next"}`)
	if idx := recordIndex(t, recv(t, conn, TypeRecord)); idx != 1 {
		t.Errorf("first record has index %d", idx)
	}
	st := recv(t, conn, TypeStats)
	if st.Remaining != 3 || st.Stats == nil || st.Stats.Sent != 1 {
		t.Errorf("unexpected stats reply %+v", st)
	}

	send(t, conn, `{"type":"all"}`)
	for want := 2; want <= 4; want++ {
		if idx := recordIndex(t, recv(t, conn, TypeRecord)); idx != want {
			t.Errorf("record has index %d, want %d", idx, want)
		}
	}
	st = recv(t, conn, TypeStats)
	if st.Stats.SiftedKeyLength != 4 || st.Stats.QBER != 0 || st.Stats.Security != bb84.Safe {
		t.Errorf("ideal run stats %+v", st.Stats)
	}
	if got := testutil.ToFloat64(sifted); got != 4 {
		t.Errorf("sifted gauge == %v, want 4", got)
	}

	send(t, conn, `{"type":"next"}`)
	if r := recv(t, conn, TypeError); r.Error != bb84.ErrExhausted.Error() {
		t.Errorf("advance past the end: error %q", r.Error)
	}

	send(t, conn, `{"type":"reset"}`)
	if r := recv(t, conn, TypeReady); r.Remaining != 4 {
		t.Errorf("reset left %d photons to send", r.Remaining)
	}
	if got := testutil.ToFloat64(sifted); got != 0 {
		t.Errorf("sifted gauge == %v after reset", got)
	}

	send(t, conn, `{"type":"init","photons":2,"eveEnabled":true,"eveInterceptPercent":100}`)
	if r := recv(t, conn, TypeReady); r.Photons != 2 {
		t.Errorf("re-init ready reply %+v", r)
	}
}

func TestConcurrentSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	col, err := observability.NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	srv := httptest.NewServer(NewServer(ServerOpts{Seed: 1, Collector: col}).Handler())
	defer srv.Close()
	a, b := dial(t, srv, ""), dial(t, srv, "")

	send(t, a, `{"type":"init","photons":11,"forceMatchBases":true}`)
	aID := recv(t, a, TypeReady).Session
	for i := 0; i < 10; i++ {
		send(t, a, `{"type":"next"}`)
		recv(t, a, TypeRecord)
		recv(t, a, TypeStats)
	}

	send(t, b, `{"type":"init","photons":2,"forceMatchBases":true,"channelNoisePercent":100}`)
	bID := recv(t, b, TypeReady).Session
	if aID == bID {
		t.Fatalf("both connections share session %s", aID)
	}
	send(t, b, `{"type":"all"}`)
	recv(t, b, TypeRecord)
	recv(t, b, TypeRecord)
	if st := recv(t, b, TypeStats).Stats; st.QBER != 100 {
		t.Fatalf("noisy session stats %+v", st)
	}

	send(t, a, `{"type":"next"}`)
	recv(t, a, TypeRecord)
	aStats := recv(t, a, TypeStats).Stats

	tcs := []struct {
		name string
		col  *prometheus.GaugeVec
		id   string
		eout float64
	}{
		{"a sifted", col.SiftedKeyLength, aID, 11},
		{"a qber", col.QBER, aID, aStats.QBER},
		{"a security", col.Security, aID, float64(bb84.Safe)},
		{"b sifted", col.SiftedKeyLength, bID, 2},
		{"b qber", col.QBER, bID, 100},
		{"b security", col.Security, bID, float64(bb84.Danger)},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tc.col.WithLabelValues(tc.id)); got != tc.eout {
				t.Errorf("%s == %v, want %v", tc.name, got, tc.eout)
			}
		})
	}

	b.Close()
	deadline := time.Now().Add(5 * time.Second)
	for testutil.CollectAndCount(col.QBER) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("closed session's gauges still exported: %d qber series", testutil.CollectAndCount(col.QBER))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRejectedMessages(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerOpts{}).Handler())
	defer srv.Close()
	conn := dial(t, srv, "")

	tcs := []struct {
		name string
		msg  string
	}{
		{"not json", `{"type":`},
		{"no photons", `{"type":"init","photons":0}`},
		{"bad noise", `{"type":"init","photons":8,"channelNoisePercent":101}`},
		{"bad model", `{"type":"init","photons":8,"model":"fibre"}`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			send(t, conn, tc.msg)
			recv(t, conn, TypeError)
		})
	}

	send(t, conn, `{"type":"init","photons":8}`)
	recv(t, conn, TypeReady)
	send(t, conn, `{"type":"teleport"}`)
	if r := recv(t, conn, TypeError); !strings.Contains(r.Error, "teleport") {
		t.Errorf("unexpected error %q", r.Error)
	}
	send(t, conn, `{"type":"init","photons":-1}`)
	if r := recv(t, conn, TypeError); r.Remaining != 8 {
		t.Errorf("failed re-init changed the session: %d remaining", r.Remaining)
	}
}

func TestOrigins(t *testing.T) {
	srv := httptest.NewServer(NewServer(ServerOpts{AllowedOrigins: []string{"http://localhost:3000"}}).Handler())
	defer srv.Close()

	dial(t, srv, "http://localhost:3000")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatalf("expected error: got nil")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("disallowed origin: response %v", resp)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	hr, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Errorf("GET /health: status %d", hr.StatusCode)
	}
	if got := hr.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin == %q", got)
	}
}

func TestOriginAllowed(t *testing.T) {
	tcs := []struct {
		allowed []string
		origin  string
		eout    bool
	}{
		{[]string{"*"}, "http://a", true},
		{[]string{"http://a"}, "", true},
		{[]string{"http://a"}, "HTTP://A", true},
		{[]string{"http://a"}, "http://b", false},
		{nil, "http://a", false},
	}
	for _, tc := range tcs {
		if got := originAllowed(tc.allowed, tc.origin); got != tc.eout {
			t.Errorf("originAllowed(%v, %q) == %v, want %v", tc.allowed, tc.origin, got, tc.eout)
		}
	}
}
