package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/server/middleware"
	"github.com/3leaps/gobatch/pkg/backend"
	"github.com/3leaps/gobatch/pkg/jobstore"
	"github.com/3leaps/gobatch/pkg/lifecycle"
	"github.com/3leaps/gobatch/pkg/request"
)

// Jobs exposes the lifecycle manager over HTTP.
type Jobs struct {
	mgr *lifecycle.Manager
	log *zap.Logger
}

// NewJobs creates the job endpoints backed by the given manager.
func NewJobs(mgr *lifecycle.Manager, log *zap.Logger) *Jobs {
	if log == nil {
		log = zap.NewNop()
	}
	return &Jobs{mgr: mgr, log: log}
}

// SubmitRequest is the POST /v1/jobs body.
type SubmitRequest struct {
	Packet    string `json:"packet"`
	Backend   string `json:"backend,omitempty"`
	Label     string `json:"label,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// FetchResponse is the body returned by the fetch endpoint.
type FetchResponse struct {
	JobID      string `json:"job_id"`
	State      string `json:"state"`
	Text       string `json:"text"`
	ResultPath string `json:"result_path"`
}

// StatusResponse pairs the local record with the remote state.
type StatusResponse struct {
	Job      *jobstore.JobRecord `json:"job"`
	Remote   string              `json:"remote_state"`
	Terminal bool                `json:"terminal"`
}

// SweepResponse lists the jobs that reached a terminal state.
type SweepResponse struct {
	Completed []string `json:"completed"`
}

// Submit handles POST /v1/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.Packet == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "BAD_REQUEST", "packet is required")
		return
	}

	rec, err := h.mgr.Submit(r.Context(), req.Packet, request.HashPacket(req.Packet), req.Backend,
		lifecycle.SubmitOptions{
			Label:     req.Label,
			Model:     req.Model,
			MaxTokens: req.MaxTokens,
		})
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}

	h.log.Info("job submitted",
		zap.String("job_id", rec.JobID),
		zap.String("backend", rec.Backend.String()),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusCreated, rec)
}

// List handles GET /v1/jobs.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	recs, err := h.mgr.List(state)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// Status handles GET /v1/jobs/{id}/status.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)
	st, rec, err := h.mgr.Status(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Job:      rec,
		Remote:   st.State,
		Terminal: st.Terminal,
	})
}

// Fetch handles POST /v1/jobs/{id}/fetch.
func (h *Jobs) Fetch(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)
	force := r.URL.Query().Get("force") == "true"

	text, err := h.mgr.Fetch(r.Context(), id, force)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	rec, err := h.mgr.Get(id)
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FetchResponse{
		JobID:      rec.JobID,
		State:      string(rec.State),
		Text:       text,
		ResultPath: rec.ResultPath,
	})
}

// Sweep handles POST /v1/sweep.
func (h *Jobs) Sweep(w http.ResponseWriter, r *http.Request) {
	completed, err := h.mgr.Sweep(r.Context())
	if err != nil {
		h.writeLifecycleError(w, r, err)
		return
	}
	if completed == nil {
		completed = []string{}
	}
	writeJSON(w, http.StatusOK, SweepResponse{Completed: completed})
}

func (h *Jobs) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownJob):
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, lifecycle.ErrNotConfigured):
		middleware.WriteError(w, r, http.StatusBadRequest, "NOT_CONFIGURED", err.Error())
	case backend.IsNotReady(err):
		middleware.WriteError(w, r, http.StatusConflict, "NOT_READY", err.Error())
	case backend.IsMalformed(err):
		middleware.WriteError(w, r, http.StatusBadGateway, "MALFORMED_OUTPUT", err.Error())
	case backend.IsTransport(err):
		middleware.WriteError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", err.Error())
	case jobstore.IsCorrupt(err):
		h.log.Error("job table corrupt", zap.Error(err))
		middleware.WriteError(w, r, http.StatusInternalServerError, "STATE_CORRUPT", err.Error())
	default:
		h.log.Error("request failed", zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// jobID extracts the id path parameter. Staged job ids are hierarchical
// resource names, so clients escape the slashes and we unescape here.
func jobID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
