package runs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// maxStartBodySize limits the size of start request bodies.
const maxStartBodySize = 1 << 20 // 1 MB

// Handler exposes the run service over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a Handler for svc.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterHTTPHandlers registers the run endpoints.
// The prefix should be "/runs" (without trailing slash).
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("POST "+prefix+"/start", h.handleStart)
	mux.HandleFunc("GET "+prefix, h.handleList)
	mux.HandleFunc("GET "+prefix+"/{id}", h.handleGet)
	mux.HandleFunc("POST "+prefix+"/{id}/stop", h.handleStop)
}

// StartResponse is the response for POST /runs/start.
type StartResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ListResponse is the response for GET /runs.
type ListResponse struct {
	Runs  []*Run `json:"runs"`
	Total int    `json:"total"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxStartBodySize)

	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuiteID == "" {
		h.writeError(w, http.StatusBadRequest, "suiteId is required")
		return
	}
	switch req.Trigger {
	case "", TriggerManual, TriggerSchedule, TriggerCI:
	default:
		h.writeError(w, http.StatusBadRequest, "trigger must be manual, schedule or ci")
		return
	}

	run, err := h.svc.Start(r.Context(), req)
	switch {
	case errors.Is(err, ErrSuiteNotFound):
		h.writeError(w, http.StatusNotFound, ErrSuiteNotFound.Error())
		return
	case errors.Is(err, ErrNoTests):
		h.writeError(w, http.StatusBadRequest, ErrNoTests.Error())
		return
	case err != nil:
		h.logger.Error("Failed to start run", "suite_id", req.SuiteID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	h.writeJSON(w, http.StatusAccepted, StartResponse{ID: run.ID, Status: run.Status})
}

// handleList handles GET /runs.
// Query parameters: orgId, suiteId, status, limit (default 50).
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid limit: must be 1-1000")
			return
		}
		limit = parsed
	}

	runs, err := h.svc.List(r.Context(), ListFilter{
		OrgID:   q.Get("orgId"),
		SuiteID: q.Get("suiteId"),
		Status:  q.Get("status"),
		Limit:   limit,
	})
	if err != nil {
		h.logger.Error("Failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	summaries := make([]*Run, len(runs))
	for i, run := range runs {
		summaries[i] = run.Summary()
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Runs: summaries, Total: len(summaries)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found")
			return
		}
		h.logger.Error("Failed to get run", "run_id", r.PathValue("id"), "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Stop(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, ErrNotRunning):
		h.writeError(w, http.StatusBadRequest, ErrNotRunning.Error())
	case err != nil:
		h.logger.Error("Failed to stop run", "run_id", r.PathValue("id"), "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to stop run")
	default:
		h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
