package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// Server runs the signal service HTTP API.
type Server struct {
	cfg      config.SignalConfig
	engine   *Engine
	registry *Registry
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the signal service routes.
func NewServer(cfg config.SignalConfig, engine *Engine, registry *Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		logger:   logger.With("component", "signal-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/signals/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/v1/model/info", s.handleModelInfo)
	mux.HandleFunc("POST /api/v1/model/reload", s.handleReload)
	mux.HandleFunc("POST /api/v1/model/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/model/activate", s.handleActivate)
	mux.HandleFunc("GET /api/v1/model/list", s.handleList)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // generate can fetch many bar histories
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("signal server starting", "addr", s.server.Addr, "strategy", s.cfg.Strategy)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping signal server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Loaded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"reason": "no model loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid request body")
		return
	}
	resp, err := s.engine.Generate(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrNoActiveModel) {
			writeError(w, http.StatusServiceUnavailable, types.CodeModelNotLoaded, "no model loaded")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	info := s.engine.Info()
	if info == nil {
		writeError(w, http.StatusNotFound, types.CodeModelNotLoaded, "no model loaded")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reload(r.Context()); err != nil {
		if errors.Is(err, ErrNoActiveModel) {
			writeError(w, http.StatusNotFound, types.CodeNoActiveModel, "no active model in registry")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Info())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var m types.ModelMetadata
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "invalid request body")
		return
	}
	if m.StrategyName == "" || m.Version == "" || m.ModelPath == "" {
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation,
			"strategy_name, version, and model_path are required")
		return
	}
	id, err := s.registry.Register(r.Context(), m)
	if err != nil {
		writeError(w, http.StatusConflict, types.CodeConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// handleActivate flips the registry's active row and immediately reloads, so
// the operator sees the swap (or its failure) in one call.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		writeError(w, http.StatusBadRequest, types.CodeValidation, "id is required")
		return
	}
	if err := s.registry.Activate(r.Context(), req.ID); err != nil {
		if errors.Is(err, ErrModelNotFound) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, "model not found")
			return
		}
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	if err := s.engine.Reload(r.Context()); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.CodeValidation,
			fmt.Sprintf("activated but load failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Info())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	strategy := r.URL.Query().Get("strategy")
	if strategy == "" {
		strategy = s.cfg.Strategy
	}
	models, err := s.registry.List(r.Context(), strategy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeInternal, err.Error())
		return
	}
	if models == nil {
		models = []types.ModelMetadata{}
	}
	writeJSON(w, http.StatusOK, models)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.APIError{Code: code, Message: message})
}
