package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/lobscope/lobscope/internal/book"
	"github.com/lobscope/lobscope/internal/engine"
	"github.com/lobscope/lobscope/internal/session"
	"github.com/lobscope/lobscope/internal/source"
	"github.com/lobscope/lobscope/internal/telemetry"
)

// anomalyKinds maps URL path segments to alert types.
var anomalyKinds = map[string]string{
	"liquidity-gaps":    book.AlertLiquidityGap,
	"spoofing":          book.AlertSpoofing,
	"quote-stuffing":    book.AlertQuoteStuffing,
	"layering":          book.AlertLayering,
	"momentum-ignition": book.AlertMomentumIgnition,
	"wash-trading":      book.AlertWashTrading,
	"iceberg-orders":    book.AlertIcebergOrder,
	"depth-shocks":      book.AlertDepthShock,
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) *session.Session {
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil
	}
	return sess
}

// --- session lifecycle ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means generated id
	}
	sess, err := s.sessions.Create(req.SessionID)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrSessionExists) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    s.sessions.Count(),
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "deleted"})
}

// control adapts the playback transitions into handlers.
func (s *Server) control(fn func(*session.Session) session.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.session(w, r)
		if sess == nil {
			return
		}
		state := fn(sess)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": sess.ID,
			"state":      state,
			"speed":      sess.Info().Speed,
		})
	}
}

func (s *Server) handleSetSpeed(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Speed json.Number `json:"speed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Non-integer speeds coerce to 1; SetSpeed clamps the rest.
	speed, err := req.Speed.Int64()
	if err != nil {
		speed = 1
	}
	applied := sess.SetSpeed(int(speed))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"speed":      applied,
	})
}

func (s *Server) handleGoBack(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds <= 0 {
		writeError(w, http.StatusBadRequest, "seconds must be a positive number")
		return
	}
	cursor, err := sess.GoBack(time.Duration(req.Seconds * float64(time.Second)))
	if err != nil {
		if errors.Is(err, session.ErrRewindUnsupported) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"cursor_ts":  cursor,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	sim, ok := sess.Source().(*source.Simulator)
	if !ok {
		writeError(w, http.StatusConflict, "session source does not accept orders")
		return
	}
	var req struct {
		Side   string  `json:"side"`
		Volume float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Volume <= 0 {
		writeError(w, http.StatusBadRequest, "side and positive volume required")
		return
	}
	if req.Side != "buy" && req.Side != "sell" {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	sim.PushOrder(req.Side, req.Volume)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": sess.ID,
		"side":       req.Side,
		"volume":     req.Volume,
	})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// --- aggregate read surface ---

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 100)
	recent := s.collector.Recent(limit)
	features := make([]map[string]interface{}, 0, len(recent))
	for _, e := range recent {
		features = append(features, map[string]interface{}{
			"timestamp":        e.Timestamp,
			"spread":           e.Spread,
			"microprice":       e.Microprice,
			"obi":              e.OBI,
			"ofi_normalized":   e.OFINormalized,
			"divergence":       e.Divergence,
			"directional_prob": e.DirectionalProb,
			"spread_z":         e.SpreadZ,
			"volatility":       e.Volatility,
			"vpin":             e.VPIN,
			"regime":           e.Regime,
			"regime_label":     e.RegimeLabel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(features),
		"features": features,
	})
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, _ *http.Request) {
	latest := s.collector.Latest()
	if latest == nil {
		writeError(w, http.StatusNotFound, "no snapshot processed yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": s.collector.AlertHistory(limit),
	})
}

func (s *Server) handleAnomaliesByKind(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	alertType, ok := anomalyKinds[kind]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown anomaly kind: "+kind)
		return
	}
	alerts := s.collector.AlertsByType(alertType)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":      alertType,
		"count":     len(alerts),
		"anomalies": alerts,
	})
}

func (s *Server) handleAnomalySummary(w http.ResponseWriter, _ *http.Request) {
	stats := s.collector.AlertStats()
	var total uint64
	for _, n := range stats {
		total += n
	}
	summary := map[string]interface{}{
		"total":   total,
		"by_type": stats,
	}
	if latest := s.collector.Latest(); latest != nil {
		summary["current_gap_count"] = latest.GapCount
		summary["current_spoofing_risk"] = latest.SpoofingRisk
		summary["current_regime"] = latest.RegimeLabel
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.collector.AlertHistory(limit),
	})
}

func (s *Server) handleAlertStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"by_type":  s.collector.AlertStats(),
		"counters": s.collector.Counters(),
	})
}

func (s *Server) handleTradeClassification(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.TradeStats())
}

func (s *Server) handleTradeSpreads(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)
	trades := s.collector.Trades(limit)
	spreads := make([]map[string]interface{}, 0, len(trades))
	for _, t := range trades {
		spreads = append(spreads, map[string]interface{}{
			"timestamp":        t.Timestamp,
			"side":             t.Side,
			"effective_spread": t.EffectiveSpread,
			"realized_spread":  t.RealizedSpread,
		})
	}
	stats := s.collector.TradeStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"avg_effective_spread": stats.AvgEffective,
		"avg_realized_spread":  stats.AvgRealized,
		"spreads":              spreads,
	})
}

func (s *Server) handleTradeVPIN(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{"vpin": 0.0}
	if latest := s.collector.Latest(); latest != nil {
		resp["vpin"] = latest.VPIN
		resp["timestamp"] = latest.Timestamp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTradeAnomalies(w http.ResponseWriter, _ *http.Request) {
	types := []string{book.AlertUnusualTradeSize, book.AlertRapidTrading, book.AlertWashTrading}
	out := make(map[string][]telemetry.TimedAlert, len(types))
	for _, t := range types {
		if alerts := s.collector.AlertsByType(t); alerts != nil {
			out[t] = alerts
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- operations ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(s.collector.Uptime().Seconds()),
		"sessions":       s.sessions.Count(),
		"engine":         s.engines.Status(),
		"counters":       s.collector.Counters(),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	latencies := s.collector.Latency.All()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(s.collector.Uptime().Seconds()),
		"sessions":       s.sessions.List(),
		"engine":         s.engines.Status(),
		"counters":       s.collector.Counters(),
		"alerts_by_type": s.collector.AlertStats(),
		"trades":         s.collector.TradeStats(),
		"latency":        latencies,
		"snapshots_primary": s.registry.CounterValue(
			s.registry.SnapshotsProcessed, engine.TagPrimary),
		"snapshots_secondary": s.registry.CounterValue(
			s.registry.SnapshotsProcessed, engine.TagSecondary),
	})
}

func (s *Server) handleEngineStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.Status())
}

func (s *Server) handleEngineSwitch(w http.ResponseWriter, r *http.Request) {
	mode := engine.Mode(mux.Vars(r)["mode"])
	if err := s.engines.Switch(r.Context(), mode); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, engine.ErrUnknownMode) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engines.Status())
}

func (s *Server) handleEngineBenchmark(w http.ResponseWriter, r *http.Request) {
	iterations := queryLimit(r, 100, 1000)
	proc := engine.NewProcessor(s.engines, engine.NewPipeline(s.benchCfg))
	results := proc.Benchmark(r.Context(), iterations, s.benchCfg)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"iterations": iterations,
		"results":    results,
	})
}

// queryLimit parses ?limit, applying a default and a hard cap.
func queryLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
