package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runrelay/runrelay/internal/engine"
	"github.com/runrelay/runrelay/internal/model"
	"github.com/runrelay/runrelay/internal/provider"
	"github.com/runrelay/runrelay/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	// anonymousUser is the owner recorded when no caller identity is sent.
	anonymousUser = "anonymous"
)

// submitRequest is the JSON body for POST /v1/executions.
type submitRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	InputData string `json:"input_data"`
}

// submitResponse acknowledges an accepted submission before any outcome is
// known.
type submitResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// executeRequest is the JSON body for POST /v1/executions/execute. Timeout
// and poll interval are caller hints in seconds, clamped server-side.
type executeRequest struct {
	Code          string  `json:"code"`
	Language      string  `json:"language"`
	InputData     string  `json:"input_data"`
	TimeoutS      int     `json:"timeout_s"`
	PollIntervalS float64 `json:"poll_interval_s"`
}

// executeResponse is the immediate-mode outcome: a terminal record, or a
// synthetic timeout with the last observed state attached.
type executeResponse struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Execution *model.ExecutionRecord `json:"execution,omitempty"`
}

// listExecutionsResponse wraps the summary list response.
type listExecutionsResponse struct {
	Executions []model.ExecutionSummary `json:"executions"`
	Count      int                      `json:"count"`
	Limit      int                      `json:"limit"`
}

// callerID extracts the caller identity. Browsers cannot set headers on
// websocket upgrades, so a user_id query parameter is accepted as fallback.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return anonymousUser
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.Language == "" {
		s.writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	executionID, err := s.engine.Submit(r.Context(), engine.Submission{
		Code:      req.Code,
		Language:  req.Language,
		InputData: req.InputData,
		UserID:    callerID(r),
	})
	if err != nil {
		var unsupported *provider.ErrUnsupportedLanguage
		if errors.As(err, &unsupported) {
			s.writeError(w, http.StatusBadRequest, unsupported.Error())
			return
		}
		s.logger.Error("submit execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{
		ExecutionID: executionID,
		Status:      model.StatusPending,
		Message:     fmt.Sprintf("Code submitted for execution. Use execution_id: %s to track progress.", executionID),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	if record.UserID != callerID(r) {
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleExecuteAndWait(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.Language == "" {
		s.writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	res, err := s.engine.ExecuteAndWait(r.Context(), engine.Submission{
		Code:      req.Code,
		Language:  req.Language,
		InputData: req.InputData,
		UserID:    callerID(r),
	}, time.Duration(req.TimeoutS)*time.Second, time.Duration(req.PollIntervalS*float64(time.Second)))
	if err != nil {
		var unsupported *provider.ErrUnsupportedLanguage
		if errors.As(err, &unsupported) {
			s.writeError(w, http.StatusBadRequest, unsupported.Error())
			return
		}
		s.logger.Error("execute and wait", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to execute")
		return
	}

	s.writeJSON(w, http.StatusOK, executeResponse{
		Status:    res.Status,
		Message:   res.Message,
		Execution: res.Record,
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// The token segment is not validated, only logged: the provider echoes
	// whatever path it was configured with.
	token := chi.URLParam(r, "token")

	var payload provider.WebhookResult
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	executionID, err := engine.CorrelationID(payload)
	if err != nil {
		s.logger.Warn("webhook without correlation id", "token", token)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("webhook received", "token", token, "execution_id", executionID)

	if err := s.engine.IngestWebhook(r.Context(), executionID, payload.Normalize()); err != nil {
		s.logger.Error("ingest webhook", "execution_id", executionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	userID := r.URL.Query().Get("user_id")

	summaries, err := s.store.ListExecutions(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	if summaries == nil {
		summaries = []model.ExecutionSummary{}
	}

	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: summaries,
		Count:      len(summaries),
		Limit:      limit,
	})
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := s.store.GetExecution(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("get execution for delete", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return
	}

	if record.UserID != callerID(r) {
		s.writeError(w, http.StatusForbidden, "access denied")
		return
	}

	if err := s.store.DeleteExecution(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("delete execution", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete execution")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "deleted": true})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
