package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/quantfold/engine/internal/backtest"
	"github.com/quantfold/engine/internal/config"
	"github.com/quantfold/engine/internal/costs"
	"github.com/quantfold/engine/internal/forecast"
	"github.com/quantfold/engine/internal/market"
	"github.com/quantfold/engine/internal/observ"
	"github.com/quantfold/engine/internal/paper"
	"github.com/quantfold/engine/internal/strategy"
)

// Server exposes the engine over HTTP: backtest runs, paper session
// lifecycle, metrics, and health.
type Server struct {
	cfg      config.Root
	sessions *paper.Manager
	feed     market.Feed
	provider forecast.Provider
	mux      *http.ServeMux
}

// NewServer wires the HTTP surface. feed and provider back the paper
// sessions started through the API.
func NewServer(cfg config.Root, sessions *paper.Manager, feed market.Feed, provider forecast.Provider) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		feed:     feed,
		provider: provider,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /backtest/run", s.handleBacktestRun)
	s.mux.HandleFunc("POST /paper/start", s.handlePaperStart)
	s.mux.HandleFunc("GET /paper", s.handlePaperList)
	s.mux.HandleFunc("GET /paper/{id}/status", s.handlePaperStatus)
	s.mux.HandleFunc("POST /paper/{id}/stop", s.handlePaperStop)
	s.mux.Handle("GET /metrics", observ.Handler())
	s.mux.Handle("GET /healthz", observ.Health())
	return s
}

func (s *Server) Handler() http.Handler { return s.instrument(s.mux) }

// Run serves until ctx is canceled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observ.Log("http_listening", map[string]any{"addr": s.cfg.Server.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		observ.RecordDuration("http_request", time.Since(start), map[string]string{
			"method": r.Method, "path": r.URL.Path,
		})
		observ.IncCounter("http_requests_total", map[string]string{
			"method": r.Method, "path": r.URL.Path,
		})
	})
}

// BacktestRequest is the POST /backtest/run payload. Regime selects the
// strategy preset; Params overrides it when present.
type BacktestRequest struct {
	Symbol        string           `json:"symbol"`
	BarsPath      string           `json:"bars_path"`
	ForecastsPath string           `json:"forecasts_path"`
	Regime        string           `json:"regime"`
	Params        *strategy.Params `json:"params,omitempty"`
	Costs         *costs.Model     `json:"costs,omitempty"`
	Capital       float64          `json:"capital"`
}

func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	strat, cost, capital, err := s.resolveRun(req.Regime, req.Params, req.Costs, req.Capital)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	symbol := req.Symbol
	if symbol == "" {
		symbol = s.cfg.Backtest.Symbol
	}
	barsPath := req.BarsPath
	if barsPath == "" {
		barsPath = s.cfg.Backtest.BarsPath
	}
	fcPath := req.ForecastsPath
	if fcPath == "" {
		fcPath = s.cfg.Backtest.ForecastsPath
	}

	bars, err := market.LoadCSV(barsPath, symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fcs, err := forecast.LoadCSV(fcPath, symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := backtest.Run(r.Context(), bars, fcs, strat, cost, capital)
	if err != nil {
		status := http.StatusInternalServerError
		var cfgErr *strategy.InvalidConfigurationError
		if backtest.IsDataInsufficient(err) || errors.As(err, &cfgErr) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PaperStartRequest is the POST /paper/start payload.
type PaperStartRequest struct {
	Symbol  string           `json:"symbol"`
	Regime  string           `json:"regime"`
	Params  *strategy.Params `json:"params,omitempty"`
	Costs   *costs.Model     `json:"costs,omitempty"`
	Capital float64          `json:"capital"`
}

func (s *Server) handlePaperStart(w http.ResponseWriter, r *http.Request) {
	var req PaperStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	strat, cost, capital, err := s.resolveRun(req.Regime, req.Params, req.Costs, req.Capital)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	sess, err := s.sessions.Create(req.Symbol, strat, cost, capital)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handlePaperList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handlePaperStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handlePaperStop(w http.ResponseWriter, r *http.Request) {
	sum, err := s.sessions.Stop(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// resolveRun folds request overrides over configured defaults.
func (s *Server) resolveRun(regime string, params *strategy.Params, cost *costs.Model, capital float64) (strategy.Strategy, costs.Model, float64, error) {
	var strat strategy.Strategy
	var err error
	if regime != "" {
		strat, err = strategy.ForRegime(strategy.Regime(strings.ToLower(regime)))
	} else {
		strat, err = s.cfg.Strategy()
	}
	if err != nil {
		return strategy.Strategy{}, costs.Model{}, 0, err
	}
	if params != nil {
		strat.Params = *params
	}

	c := s.cfg.Costs
	if cost != nil {
		c = *cost
	}
	if capital <= 0 {
		capital = s.cfg.Backtest.Capital
	}
	return strat, c, capital, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Warn("http_encode_failed", map[string]any{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
