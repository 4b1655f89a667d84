package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
	"github.com/finpilot-labs/finpilot/pkg/engine"
	"github.com/finpilot-labs/finpilot/pkg/rollback"
	"github.com/finpilot-labs/finpilot/pkg/store"
)

// IdempotencyKeyHeader lets clients pin the idempotency key so retried
// requests coalesce onto one execution.
const IdempotencyKeyHeader = "Idempotency-Key"

// Server routes HTTP traffic to the execution engine.
type Server struct {
	engine  *engine.Engine
	webhook http.Handler
	logger  *slog.Logger
}

// NewServer creates the API server. webhook may be nil if webhook ingestion
// is disabled.
func NewServer(eng *engine.Engine, webhook http.Handler) *Server {
	return &Server{
		engine:  eng,
		webhook: webhook,
		logger:  slog.Default().With("component", "api"),
	}
}

// Routes builds the HTTP handler, wiring middleware around the endpoints.
func (s *Server) Routes(ipLimiter *IPRateLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/executions", s.handleExecute)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/executions/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/executions/{id}/rollback", s.handleRollback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.webhook != nil {
		mux.Handle("POST /v1/webhooks/bank", s.webhook)
	}

	var handler http.Handler = mux
	handler = RequestLogger(s.logger)(handler)
	if ipLimiter != nil {
		handler = ipLimiter.Middleware(handler)
	}
	return handler
}

// executeRequest is the inbound JSON body for POST /v1/executions.
type executeRequest struct {
	UserID     string          `json:"user_id"`
	ActionType string          `json:"action_type"`
	ActionData json.RawMessage `json:"action_data"`
	BundleID   string          `json:"bundle_id,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "request body must be valid JSON")
		return
	}
	if body.UserID == "" || body.ActionType == "" {
		WriteBadRequest(w, "user_id and action_type are required")
		return
	}

	kind, err := contracts.ParseActionKind(body.ActionType)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	result, err := s.engine.Execute(r.Context(), contracts.ExecutionRequest{
		UserID:   body.UserID,
		Kind:     kind,
		Payload:  body.ActionData,
		BundleID: body.BundleID,
	}, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "execution not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeEngineError maps engine errors onto the RFC 7807 taxonomy.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, "execution not found")
	case errors.Is(err, engine.ErrRateLimited):
		WriteTooManyRequests(w, 60)
	case errors.Is(err, engine.ErrMissingUserID),
		errors.Is(err, engine.ErrInvalidUserID),
		errors.Is(err, engine.ErrMissingAction),
		errors.Is(err, engine.ErrInvalidPayload):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, engine.ErrExecutionStopped),
		errors.Is(err, rollback.ErrNotRollbackable),
		errors.Is(err, rollback.ErrNoCompensation):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
