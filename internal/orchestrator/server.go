package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// Server runs the orchestrator HTTP API.
type Server struct {
	cfg    config.OrchestratorConfig
	runner *Runner
	store  *RunStore
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the orchestrator routes.
func NewServer(cfg config.OrchestratorConfig, runner *Runner, store *RunStore, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		runner: runner,
		store:  store,
		logger: logger.With("component", "orchestrator-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/orchestration/run", s.handleRun)
	mux.HandleFunc("GET /api/v1/orchestration/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/orchestration/runs/{id}", s.handleGetRun)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // a run submits orders sequentially
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("orchestrator server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping orchestrator server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid request body")
		return
	}
	result, err := s.runner.Run(r.Context(), req)
	if err != nil {
		if result != nil {
			// Signals failed but the run record exists; return it with
			// the failure status.
			writeJSON(w, http.StatusBadGateway, result)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	runs, err := s.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	if runs == nil {
		runs = []types.RunResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.APIError{Code: code, Message: message})
}
