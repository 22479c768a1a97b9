// Package api exposes the research back-end over HTTP: every endpoint
// accepts a JSON POST and returns the chart contract (label, expr,
// meta, series[], tables).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/engine"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/logger"
	"quant-sandbox/internal/telemetry"
)

// Evaluator is the engine surface the handlers call. *engine.Engine
// implements it; tests substitute fakes.
type Evaluator interface {
	EvalExpression(ctx context.Context, req engine.EvalRequest) (engine.EvalResult, error)
	FetchOHLCV(ctx context.Context, req engine.OHLCVRequest) (engine.OHLCVResult, error)
	EvalPack(ctx context.Context, base engine.EvalRequest, overlays, panels []engine.CompanionSpec) (engine.PackResult, error)
}

// Server wires the evaluation engine to the HTTP surface.
type Server struct {
	cfg     *config.Config
	eval    Evaluator
	started time.Time
}

func NewServer(cfg *config.Config, eval Evaluator) *Server {
	return &Server{cfg: cfg, eval: eval, started: time.Now()}
}

// Handler returns the routed handler with CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.Handler())
	mux.HandleFunc("POST /expr/series", s.handleSeries)
	mux.HandleFunc("POST /expr/chart", s.handleChart)
	mux.HandleFunc("POST /expr/close", s.handleClose)
	mux.HandleFunc("POST /expr/ma", s.handleMA)
	mux.HandleFunc("POST /expr/bollinger", s.handleBollinger)
	mux.HandleFunc("POST /expr/rsi", s.handleRSI)
	mux.HandleFunc("POST /expr/drawdown", s.handleDrawdown)
	mux.HandleFunc("POST /expr/sharpe", s.handleSharpe)
	mux.HandleFunc("POST /expr/zscore", s.handleZScore)
	mux.HandleFunc("POST /expr/corr", s.handleCorr)
	mux.HandleFunc("POST /expr/seasonality/years", s.handleSeasonalityYears)
	mux.HandleFunc("POST /expr/seasonality/heatmap", s.handleSeasonalityHeatmap)
	mux.HandleFunc("POST /data/ohlcv", s.handleOHLCV)
	mux.HandleFunc("POST /expr/pack", s.handlePack)
	return corsMiddleware(s.logMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()[:8]
		rec := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		telemetry.HTTPRequests.WithLabelValues(r.URL.Path, fmt.Sprintf("%dxx", rec.status/100)).Inc()
		logger.Debug("API", fmt.Sprintf("%s %s -> %d in %s rid=%s",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), rid))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind onto the response status: client
// errors 400, upstream failures 503, timeouts 504, the rest 500.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(kind))
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(kind), "message": err.Error()},
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.ParseError, err, "invalid request body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
