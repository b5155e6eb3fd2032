package judge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Handler exposes a Judge over HTTP.
type Handler struct {
	judge  Judge
	logger *slog.Logger
}

// NewHandler creates a Handler for j.
func NewHandler(j Judge, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{judge: j, logger: logger}
}

// RegisterHTTPHandlers registers POST {prefix}judge and
// POST {prefix}orgs/{orgId}/judge. The prefix may or may not include a
// trailing slash.
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	mux.HandleFunc(prefix+"judge", h.handleJudge)
	mux.HandleFunc(prefix+"orgs/", h.handleOrgJudge)
}

// handleOrgJudge handles POST /orgs/{orgId}/judge.
func (h *Handler) handleOrgJudge(w http.ResponseWriter, r *http.Request) {
	_, rest, _ := strings.Cut(r.URL.Path, "/orgs/")
	orgID, tail, _ := strings.Cut(rest, "/")
	if orgID == "" || tail != "judge" {
		http.NotFound(w, r)
		return
	}
	h.handleJudge(w, r)
}

// handleJudge handles POST /judge.
func (h *Handler) handleJudge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Rubric) == "" {
		http.Error(w, "rubric is required", http.StatusBadRequest)
		return
	}
	if req.Scope != "" && req.Scope != ScopeLast && req.Scope != ScopeTranscript {
		http.Error(w, "scope must be last or transcript", http.StatusBadRequest)
		return
	}

	verdict := h.judge.Evaluate(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(verdict); err != nil {
		h.logger.Warn("Failed to encode response", "error", err)
	}
}
