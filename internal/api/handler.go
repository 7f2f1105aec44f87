package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"codesync/server/internal/models"
	"codesync/server/internal/sandbox"
	"codesync/server/internal/store"
)

const (
	defaultChatLimit = 50
	maxExecuteBody   = 1 << 20
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	documents  store.DocumentStore
	operations store.OperationLog
	chat       store.ChatLog
	checks     map[string]store.Pinger
	executor   *sandbox.Executor
	logger     zerolog.Logger
}

// NewHandler creates a Handler. checks names the backends probed by /api/health.
func NewHandler(stores store.Set, checks map[string]store.Pinger, executor *sandbox.Executor, logger zerolog.Logger) *Handler {
	return &Handler{
		documents:  stores.Documents,
		operations: stores.Operations,
		chat:       stores.Chat,
		checks:     checks,
		executor:   executor,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Check represents the status of one backend probe.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string           `json:"status"` // "ok" or "degraded"
	Timestamp int64            `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Health probes every configured backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: make(map[string]Check, len(h.checks))}
	for name, p := range h.checks {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			resp.Checks[name] = Check{Status: "fail", Message: "connection failed"}
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = Check{Status: "pass", Latency: time.Since(start).String()}
	}
	resp.Timestamp = time.Now().UnixMilli()

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// GetDocument returns the current document or 404.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := h.documents.GetDocument(r.Context(), id)
	switch {
	case err == nil:
		h.JSON(w, http.StatusOK, doc)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrMalformed):
		if errors.Is(err, store.ErrMalformed) {
			h.logger.Warn().Err(err).Str("document_id", id).Msg("document record unreadable")
		}
		h.Error(w, http.StatusNotFound, "Document not found")
	default:
		h.logger.Error().Err(err).Str("document_id", id).Msg("fetching document")
		h.Error(w, http.StatusInternalServerError, "Failed to fetch document")
	}
}

// GetHistory returns a bounded range of the document's operations.
// Query parameters: from (log id, default beginning), count (default 100).
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	count, ok := h.intParam(w, r, "count", store.DefaultOperationCount)
	if !ok {
		return
	}
	ops, err := h.operations.Operations(r.Context(), id, r.URL.Query().Get("from"), count)
	if errors.Is(err, store.ErrInvalidLogID) {
		h.Error(w, http.StatusBadRequest, "Invalid from")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", id).Msg("fetching history")
		h.Error(w, http.StatusInternalServerError, "Failed to fetch document history")
		return
	}
	if ops == nil {
		ops = []models.Operation{}
	}
	h.JSON(w, http.StatusOK, ops)
}

// GetChat returns recent chat messages, oldest first.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, ok := h.intParam(w, r, "limit", defaultChatLimit)
	if !ok {
		return
	}
	msgs, err := h.chat.RecentChat(r.Context(), id, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("document_id", id).Msg("fetching chat history")
		h.Error(w, http.StatusInternalServerError, "Failed to fetch chat history")
		return
	}
	h.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		h.Error(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return n, true
}

type executeRequest struct {
	Code string `json:"code"`
}

// Execute runs the posted code in the sandbox.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	body := http.MaxBytesReader(w, r.Body, maxExecuteBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil || req.Code == "" {
		h.Error(w, http.StatusBadRequest, "Code is required and must be a string")
		return
	}
	h.logger.Info().Int("code_length", len(req.Code)).Msg("executing code")
	h.JSON(w, http.StatusOK, h.executor.Run(r.Context(), req.Code))
}
