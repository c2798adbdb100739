package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobscope/lobscope/internal/anomaly"
	"github.com/lobscope/lobscope/internal/engine"
	"github.com/lobscope/lobscope/internal/source"
	"github.com/lobscope/lobscope/internal/telemetry"
)

func testConfig() Config {
	return Config{
		IngestQueueSize:   64,
		OutboundQueueSize: 64,
		DataBufferSize:    50,
		TickInterval:      time.Millisecond,
		SlowTick:          100 * time.Millisecond,
	}
}

func newTestProcessor() *engine.Processor {
	router := engine.NewRouter(engine.RouterConfig{UsePrimary: false})
	return engine.NewProcessor(router, engine.NewPipeline(engine.PipelineConfig{
		Thresholds: anomaly.Thresholds{},
	}))
}

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	sess := New(id, testConfig(), source.NewSimulator(42, 100),
		newTestProcessor(), telemetry.NewCollector(nil))
	t.Cleanup(sess.Close)
	return sess
}

func TestSessionStreamsEnrichedSnapshots(t *testing.T) {
	sess := newTestSession(t, "stream")
	stream, history := sess.AttachClient(64)
	assert.Empty(t, history, "no history before playback starts")

	sess.Start()

	deadline := time.After(5 * time.Second)
	var prev time.Time
	for i := 0; i < 10; i++ {
		select {
		case e := <-stream:
			require.NotNil(t, e)
			assert.Equal(t, engine.TagSecondary, e.Engine)
			assert.False(t, e.Timestamp.Before(prev), "out-of-order snapshot")
			prev = e.Timestamp
		case <-deadline:
			t.Fatalf("timed out after %d snapshots", i)
		}
	}

	info := sess.Info()
	assert.Equal(t, StatePlaying, info.State)
	assert.Positive(t, info.BufferSize)
}

func TestSessionPauseStopsFlow(t *testing.T) {
	sess := newTestSession(t, "pause")
	stream, _ := sess.AttachClient(64)
	sess.Start()

	select {
	case <-stream:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot while playing")
	}

	sess.Pause()
	// Let in-flight queue items drain, then the stream must go quiet.
	time.Sleep(200 * time.Millisecond)
	for {
		select {
		case <-stream:
		default:
			goto drained
		}
	}
drained:
	select {
	case e := <-stream:
		t.Fatalf("snapshot %v arrived while paused", e.Timestamp)
	case <-time.After(300 * time.Millisecond):
	}

	assert.Equal(t, StatePaused, sess.Info().State)
}

func TestSessionSetSpeedClamped(t *testing.T) {
	sess := newTestSession(t, "speed")
	assert.Equal(t, 100, sess.SetSpeed(5000))
	assert.Equal(t, 1, sess.SetSpeed(0))
	assert.Equal(t, 10, sess.SetSpeed(10))
	assert.Equal(t, 10, sess.Info().Speed)
}

func TestSessionGoBackClearsBuffer(t *testing.T) {
	sess := newTestSession(t, "rewind")
	stream, _ := sess.AttachClient(64)
	sess.Start()

	select {
	case <-stream:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot before rewind")
	}
	sess.Pause()
	time.Sleep(100 * time.Millisecond)

	_, err := sess.GoBack(10 * time.Second)
	require.NoError(t, err)
	assert.Empty(t, sess.History(), "data buffer must clear on rewind")
}

func TestSessionHistoryBounded(t *testing.T) {
	sess := newTestSession(t, "history")
	sess.AttachClient(1) // tiny client buffer; broadcaster must not block
	sess.Start()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sess.History()) >= testConfig().DataBufferSize {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	sess.Stop()

	h := sess.History()
	require.Len(t, h, testConfig().DataBufferSize)
	for i := 1; i < len(h); i++ {
		assert.False(t, h[i].Timestamp.Before(h[i-1].Timestamp), "history out of order at %d", i)
	}
}

func TestSessionPublishesQueueDepth(t *testing.T) {
	reg := telemetry.NewRegistry()
	sess := New("depth", testConfig(), source.NewSimulator(3, 100),
		newTestProcessor(), telemetry.NewCollector(reg))
	stream, _ := sess.AttachClient(64)
	sess.Start()

	select {
	case <-stream:
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot while playing")
	}

	scrape := func() string {
		w := httptest.NewRecorder()
		reg.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return w.Body.String()
	}

	assert.Contains(t, scrape(), `lobscope_ingest_queue_depth{session="depth"}`,
		"worker must publish its queue depth")

	sess.Close()
	assert.NotContains(t, scrape(), `lobscope_ingest_queue_depth{session="depth"}`,
		"close must drop the per-session series")
}

func TestSessionIdle(t *testing.T) {
	sess := newTestSession(t, "idle")
	assert.False(t, sess.Idle(time.Hour))
	assert.True(t, sess.Idle(0))
}

func TestSessionCloseIdempotent(t *testing.T) {
	sess := New("close", testConfig(), source.NewSimulator(1, 100),
		newTestProcessor(), telemetry.NewCollector(nil))
	sess.Start()
	sess.Close()
	sess.Close()
}
