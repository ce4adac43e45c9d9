package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/risk-engine/internal/regime"
	"github.com/atlas-desktop/risk-engine/internal/sizing"
	"github.com/atlas-desktop/risk-engine/pkg/types"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchSize = 256
)

// valueRequest carries a portfolio valuation.
type valueRequest struct {
	Value *decimal.Decimal `json:"value"`
}

// indicatorRequest is either a set of indicators or a raw price series.
type indicatorRequest struct {
	regime.Indicators
	Prices []float64 `json:"prices,omitempty"`
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// errorResponse writes an error response.
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathVar(r *http.Request, name string) (string, bool) {
	raw, ok := mux.Vars(r)[name]
	if !ok {
		return "", false
	}
	v, err := url.PathUnescape(raw)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"can_trade":      s.engine.Status().CanTrade,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"time":           time.Now().Unix(),
	})
}

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.publishSnapshot())
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req types.TradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Symbol = strings.TrimSpace(req.Symbol)

	s.jsonResponse(w, http.StatusOK, s.engine.Evaluate(r.Context(), req))
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []types.TradeRequest
	if !s.decode(w, r, &reqs) {
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchSize {
		s.errorResponse(w, http.StatusBadRequest, "batch must contain between 1 and 256 requests")
		return
	}
	for i := range reqs {
		reqs[i].Symbol = strings.TrimSpace(reqs[i].Symbol)
	}

	s.jsonResponse(w, http.StatusOK, s.engine.EvaluateBatch(r.Context(), s.pool, reqs))
}

func (s *Server) handleFeedPortfolio(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		s.errorResponse(w, http.StatusBadRequest, "value is required")
		return
	}

	s.jsonResponse(w, http.StatusOK, s.engine.UpdatePortfolio(*req.Value))
}

func (s *Server) handleFeedPrices(w http.ResponseWriter, r *http.Request) {
	var ticks []types.PriceTick
	if !s.decode(w, r, &ticks) {
		return
	}

	now := time.Now()
	for i := range ticks {
		if ticks[i].Timestamp.IsZero() {
			ticks[i].Timestamp = now
		}
	}
	accepted := s.engine.RecordPrices(ticks)

	s.jsonResponse(w, http.StatusOK, map[string]int{
		"accepted": accepted,
		"rejected": len(ticks) - accepted,
	})
}

func (s *Server) handleFeedIndicators(w http.ResponseWriter, r *http.Request) {
	var req indicatorRequest
	if !s.decode(w, r, &req) {
		return
	}

	var state regime.State
	if len(req.Prices) > 0 {
		state = s.engine.Regime.DetectFromPrices(req.Prices)
	} else {
		state = s.engine.Regime.DetectRegime(req.Indicators)
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"state":  state,
		"config": s.engine.Regime.ConfigFor(state.CurrentRegime),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.engine.Tracker.Positions())
}

func (s *Server) handleAddPosition(w http.ResponseWriter, r *http.Request) {
	var pos types.Position
	if !s.decode(w, r, &pos) {
		return
	}
	pos.Symbol = strings.TrimSpace(pos.Symbol)
	if pos.Symbol == "" {
		s.errorResponse(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if pos.Value.IsNegative() {
		s.errorResponse(w, http.StatusBadRequest, "value must not be negative")
		return
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now()
	}
	pos.Direction = types.ParsePositionSide(string(pos.Direction))

	s.engine.Tracker.AddPosition(pos)
	s.jsonResponse(w, http.StatusCreated, pos)
}

func (s *Server) handleRemovePosition(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathVar(r, "symbol")
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid symbol")
		return
	}
	if !s.engine.Tracker.RemovePosition(symbol) {
		s.errorResponse(w, http.StatusNotFound, "position not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBreakerHistory(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":      s.engine.Breaker.Status(),
		"levels":      s.engine.Breaker.Levels(),
		"transitions": s.engine.Breaker.History(queryLimit(r)),
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Value == nil || !req.Value.IsPositive() {
		s.errorResponse(w, http.StatusBadRequest, "value must be positive")
		return
	}

	s.logger.Warn("Operator breaker reset requested",
		zap.String("remote", r.RemoteAddr),
		zap.String("value", req.Value.StringFixed(2)))
	s.engine.ResetBreakers(*req.Value)

	s.jsonResponse(w, http.StatusOK, s.publishSnapshot())
}

func (s *Server) handleRegimeHistory(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"current":    s.engine.Regime.CurrentState(),
		"history":    s.engine.Regime.History(queryLimit(r)),
		"statistics": s.engine.Regime.Stats(),
	})
}

func (s *Server) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	a, okA := pathVar(r, "a")
	b, okB := pathVar(r, "b")
	if !okA || !okB {
		s.errorResponse(w, http.StatusBadRequest, "invalid symbol")
		return
	}

	pair, ok := s.engine.Tracker.CalculateCorrelation(a, b)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "insufficient price history")
		return
	}
	s.jsonResponse(w, http.StatusOK, pair)
}

func (s *Server) handleCorrelationMatrix(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	var symbols []string
	for _, sym := range strings.Split(raw, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) < 2 {
		s.errorResponse(w, http.StatusBadRequest, "at least two symbols are required")
		return
	}

	s.jsonResponse(w, http.StatusOK, s.engine.Tracker.CorrelationMatrix(symbols))
}

func (s *Server) handleTradeResult(w http.ResponseWriter, r *http.Request) {
	var result sizing.TradeResult
	if !s.decode(w, r, &result) {
		return
	}

	s.engine.RecordTradeResult(&result)
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) handleSizingStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Kelly.GetTradeStatistics()
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"statistics": stats,
		"kelly":      s.engine.Kelly.CalculateFromHistory(stats),
		"config":     s.engine.Kelly.Config(),
	})
}
