package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"quantdesk/internal/config"
	"quantdesk/internal/ledger"
	"quantdesk/internal/risk"
	"quantdesk/pkg/types"
)

// ReconcileFunc triggers one reconciliation cycle on demand.
type ReconcileFunc func(ctx context.Context) error

// Server runs the gateway HTTP API.
type Server struct {
	cfg       *config.Config
	svc       *Service
	risk      *risk.Store
	store     *ledger.Ledger
	reconcile ReconcileFunc
	server    *http.Server
	logger    *slog.Logger
}

// NewServer wires the gateway routes.
func NewServer(cfg *config.Config, svc *Service, r *risk.Store, l *ledger.Ledger, reconcile ReconcileFunc, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		risk:      r,
		store:     l,
		reconcile: reconcile,
		logger:    logger.With("component", "gateway-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/orders", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/v1/orders/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/v1/orders/slice", s.handleSlice)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)
	mux.HandleFunc("GET /api/v1/positions/pnl/realtime", s.handlePnL)
	mux.HandleFunc("POST /api/v1/webhooks/orders", s.handleWebhook)
	mux.HandleFunc("POST /api/v1/kill-switch/engage", s.handleKillSwitchEngage)
	mux.HandleFunc("POST /api/v1/kill-switch/disengage", s.handleKillSwitchDisengage)
	mux.HandleFunc("GET /api/v1/kill-switch/status", s.handleKillSwitchStatus)
	mux.HandleFunc("POST /api/v1/admin/circuit-breaker/trip", s.handleBreakerTrip)
	mux.HandleFunc("POST /api/v1/admin/circuit-breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("GET /api/v1/admin/circuit-breaker/history", s.handleBreakerHistory)
	mux.HandleFunc("POST /api/v1/admin/quarantine/{symbol}", s.handleQuarantine)
	mux.HandleFunc("POST /api/v1/reconciliation/run", s.handleReconcile)
	mux.HandleFunc("POST /api/v1/reconciliation/force_complete", s.handleForceComplete)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("gateway server starting", "addr", s.server.Addr, "dry_run", s.cfg.DryRun)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status: "ok",
		DryRun: s.cfg.DryRun,
	}
	if s.svc.StartupComplete() {
		resp.StartupGate = "complete"
	} else {
		resp.Status = "starting"
		resp.StartupGate = "waiting_for_reconciliation"
	}
	if state, err := s.store.GetReconState(r.Context()); err == nil && state != nil {
		resp.ReconciliationHighWaterMark = state.HighWaterMark
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid request body")
		return
	}
	ack, err := s.svc.SubmitOrder(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, fills, err := s.svc.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		types.Order
		Fills []types.Fill `json:"fills"`
	}{*order, fills})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.svc.ListOrders(r.Context(), q.Get("symbol"), types.OrderStatus(q.Get("status")))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackFor(order))
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	var plan types.TwapPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid request body")
		return
	}
	ack, err := s.svc.PlanSlices(r.Context(), plan)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.svc.Positions(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []types.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.PnL(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if report == nil {
		report = []PositionPnL{}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "read body")
		return
	}
	// An unset secret is tolerated only in dry-run; live configs refuse to
	// start without one (config.Validate).
	if s.cfg.Gateway.WebhookSecret != "" || !s.cfg.DryRun {
		if !VerifySignature(s.cfg.Gateway.WebhookSecret, body, r.Header.Get(signatureHeader)) {
			s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, types.CodeValidation, "invalid signature")
			return
		}
	}

	var evt types.BrokerOrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid event body")
		return
	}
	if err := s.svc.ProcessOrderEvent(r.Context(), evt); err != nil {
		s.logger.Error("process webhook event", "event_id", evt.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, types.CodeInternal, "event processing failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKillSwitchEngage(w http.ResponseWriter, r *http.Request) {
	s.setKillSwitch(w, r, true)
}

func (s *Server) handleKillSwitchDisengage(w http.ResponseWriter, r *http.Request) {
	s.setKillSwitch(w, r, false)
}

func (s *Server) setKillSwitch(w http.ResponseWriter, r *http.Request, engaged bool) {
	if err := s.risk.SetKillSwitch(r.Context(), engaged); err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": engaged})
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	engaged, err := s.risk.KillSwitchEngaged(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"engaged": engaged})
}

func (s *Server) handleBreakerTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "reason is required")
		return
	}
	if err := s.risk.TripBreaker(r.Context(), "operator: "+req.Reason); err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(types.BreakerTripped)})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.ResetBreaker(r.Context(), s.cfg.Risk.QuietPeriod); err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(types.BreakerQuietPeriod)})
}

func (s *Server) handleBreakerHistory(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	events, err := s.risk.BreakerHistory(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	if events == nil {
		events = []string{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quarantined bool `json:"quarantined"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid request body")
		return
	}
	symbol := r.PathValue("symbol")
	if err := s.risk.SetQuarantine(r.Context(), symbol, req.Quarantined); err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "quarantined": req.Quarantined})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconcile == nil {
		writeError(w, http.StatusNotImplemented, types.CodeInternal, "reconciliation not wired")
		return
	}
	if err := s.reconcile(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleForceComplete opens the reconciliation gate and the startup gate
// without a successful cycle. Operator escape hatch for when the broker is
// known-good but reconciliation cannot finish (for example a broker listing
// endpoint outage).
func (s *Server) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.SetGateState(r.Context(), types.GateOpen); err != nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeFailClosed, err.Error())
		return
	}
	s.svc.MarkStartupComplete()
	s.logger.Warn("reconciliation force-completed by operator")
	writeJSON(w, http.StatusOK, map[string]string{"gate": string(types.GateOpen), "startup_gate": "complete"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var gerr *GateError
	if errors.As(err, &gerr) {
		writeError(w, gerr.HTTPStatus, gerr.Code, gerr.Message)
		return
	}
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "order not found")
		return
	}
	s.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, types.CodeInternal, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.APIError{Code: code, Message: message})
}
