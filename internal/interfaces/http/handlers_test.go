package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobscope/lobscope/internal/anomaly"
	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/engine"
	"github.com/lobscope/lobscope/internal/session"
	"github.com/lobscope/lobscope/internal/source"
	"github.com/lobscope/lobscope/internal/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	registry := telemetry.NewRegistry()
	collector := telemetry.NewCollector(registry)
	router := engine.NewRouter(engine.RouterConfig{UsePrimary: false})
	pipelineCfg := engine.PipelineConfig{Thresholds: anomaly.Thresholds{}}

	sessions := session.NewManager(session.Config{
		IngestQueueSize:   64,
		OutboundQueueSize: 64,
		DataBufferSize:    50,
		TickInterval:      time.Millisecond,
		SlowTick:          100 * time.Millisecond,
	}, time.Minute, router, collector,
		func(string) (source.Source, error) { return source.NewSimulator(7, 100), nil },
		func() *engine.Pipeline { return engine.NewPipeline(pipelineCfg) })
	t.Cleanup(sessions.CloseAll)

	return NewServer(DefaultServerConfig(), sessions, router, collector, registry, pipelineCfg)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateSession(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/session", `{"session_id":"alpha"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alpha", decode(t, w)["session_id"])

	w = do(t, s, http.MethodPost, "/session", `{"session_id":"alpha"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateSessionGeneratesID(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/session", "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode(t, w)["session_id"])
}

func TestListAndDeleteSessions(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"one"}`)
	do(t, s, http.MethodPost, "/session", `{"session_id":"two"}`)

	w := do(t, s, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])

	w = do(t, s, http.MethodDelete, "/session/one", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodDelete, "/session/one", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlaybackControls(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"play"}`)

	w := do(t, s, http.MethodPost, "/session/play/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(session.StatePlaying), decode(t, w)["state"])

	w = do(t, s, http.MethodPost, "/session/play/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(session.StatePaused), decode(t, w)["state"])

	w = do(t, s, http.MethodPost, "/session/play/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(session.StateStopped), decode(t, w)["state"])

	w = do(t, s, http.MethodPost, "/session/missing/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetSpeed(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"spd"}`)

	tests := []struct {
		body string
		want float64
	}{
		{`{"speed":5}`, 5},
		{`{"speed":5000}`, 100},
		{`{"speed":0}`, 1},
		{`{"speed":2.7}`, 1}, // non-integer coerces to 1
	}
	for _, tt := range tests {
		w := do(t, s, http.MethodPost, "/session/spd/speed", tt.body)
		require.Equal(t, http.StatusOK, w.Code, tt.body)
		assert.Equal(t, tt.want, decode(t, w)["speed"], tt.body)
	}

	w := do(t, s, http.MethodPost, "/session/spd/speed", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGoBack(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"rw"}`)

	w := do(t, s, http.MethodPost, "/session/rw/back", `{"seconds":30}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "cursor_ts")

	w = do(t, s, http.MethodPost, "/session/rw/back", `{"seconds":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/session/rw/back", `{"seconds":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderInjection(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"ord"}`)

	w := do(t, s, http.MethodPost, "/session/ord/order", `{"side":"buy","volume":500}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "buy", body["side"])
	assert.Equal(t, 500.0, body["volume"])

	w = do(t, s, http.MethodPost, "/session/ord/order", `{"side":"hold","volume":500}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/session/ord/order", `{"side":"sell","volume":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/session/missing/order", `{"side":"buy","volume":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionState(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"st"}`)

	w := do(t, s, http.MethodGet, "/session/st/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "st", body["session_id"])
	assert.Equal(t, string(session.StateStopped), body["state"])
}

func TestLatestSnapshot(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/snapshot/latest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.collector.RecordEnriched("s1", &book.EnrichedSnapshot{
		Snapshot: book.Snapshot{Timestamp: time.Now(), MidPrice: 100},
	})
	w = do(t, s, http.MethodGet, "/snapshot/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100.0, decode(t, w)["mid_price"])
}

func TestAnomaliesByKind(t *testing.T) {
	s := newTestServer(t)
	s.collector.RecordEnriched("s1", &book.EnrichedSnapshot{
		Snapshot:  book.Snapshot{Timestamp: time.Now()},
		Anomalies: []book.Alert{{Type: book.AlertSpoofing, Severity: book.SeverityCritical}},
	})

	w := do(t, s, http.MethodGet, "/anomalies/spoofing", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, book.AlertSpoofing, body["type"])
	assert.EqualValues(t, 1, body["count"])

	w = do(t, s, http.MethodGet, "/anomalies/flux-capacitor", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnomalySummary(t *testing.T) {
	s := newTestServer(t)
	s.collector.RecordEnriched("s1", &book.EnrichedSnapshot{
		Snapshot: book.Snapshot{Timestamp: time.Now()},
		Anomalies: []book.Alert{
			{Type: book.AlertSpoofing},
			{Type: book.AlertLiquidityGap},
		},
	})

	w := do(t, s, http.MethodGet, "/anomalies/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["total"])
}

func TestTradeEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.collector.RecordEnriched("s1", &book.EnrichedSnapshot{
		Snapshot:        book.Snapshot{Timestamp: time.Now(), MidPrice: 100},
		VPIN:            0.4,
		TradeClassified: true,
		TradeSide:       "buy",
		EffectiveSpread: 0.02,
	})

	w := do(t, s, http.MethodGet, "/trades/classification", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = do(t, s, http.MethodGet, "/trades/vpin", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.4, decode(t, w)["vpin"])

	w = do(t, s, http.MethodGet, "/trades/spreads", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.02, decode(t, w)["avg_effective_spread"])
}

func TestEngineStatusAndSwitch(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/engine/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(engine.ModeSecondary), decode(t, w)["mode"])

	w = do(t, s, http.MethodPost, "/engine/switch/turbo", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/engine/switch/secondary", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/session", `{"session_id":"h"}`)

	w := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 100},
		{"limit=5", 5},
		{"limit=99999", 1000},
		{"limit=-1", 100},
		{"limit=abc", 100},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/anomalies?"+tt.query, nil)
		if got := queryLimit(r, 100, 1000); got != tt.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
