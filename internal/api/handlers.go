// Package api is the HTTP surface: session lifecycle, cookie harvesting and
// action enqueueing over gorilla/mux.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/recruitkit/puppetd/internal/harvest"
	"github.com/recruitkit/puppetd/internal/orchestrator"
	"github.com/recruitkit/puppetd/internal/queue"
	"github.com/recruitkit/puppetd/internal/runtime"
	"github.com/recruitkit/puppetd/internal/store"
	"github.com/recruitkit/puppetd/pkg/models"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch      *orchestrator.Orchestrator
	harvester *harvest.Harvester
	queue     *queue.Queue
	store     *store.Store
	log       *zap.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, h *harvest.Harvester, q *queue.Queue,
	st *store.Store, log *zap.Logger) *Handler {
	return &Handler{orch: orch, harvester: h, queue: q, store: st, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// StartSession handles POST /v1/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := h.orch.StartSession(r.Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrMissingUser),
		errors.Is(err, orchestrator.ErrInvalidRuntime):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, runtime.ErrNoRuntime):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		h.log.Error("start session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"sessionId":   sess.ID,
		"userId":      sess.UserID,
		"status":      sess.Status,
		"containerId": sess.ContainerID,
		"hasCookies":  sess.EncryptedCookies != nil,
	}
	if c, err := h.store.GetContainerBySession(r.Context(), id); err == nil {
		resp["streamUrl"] = c.StreamURL
		resp["runtime"] = c.Kind
	}
	writeJSON(w, http.StatusOK, resp)
}

// HarvestSession handles POST /v1/sessions/{id}/harvest. A sandbox whose user
// has not finished signing in answers 409 and persists nothing.
func (h *Handler) HarvestSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	debugURL, err := h.orch.DebugURL(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := h.harvester.Harvest(r.Context(), id, debugURL)
	if errors.Is(err, harvest.ErrNotLoggedIn) {
		writeJSON(w, http.StatusConflict, models.HarvestResponse{SessionID: id, LoggedIn: false})
		return
	}
	if err != nil {
		// The sandbox stays up in `starting` so the caller can retry the
		// harvest; teardown only happens through DELETE or reapExisting.
		h.log.Error("harvest failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}

	// Cookies are banked; the sandbox is now safe to tear down.
	if c, cerr := h.store.GetContainerBySession(r.Context(), id); cerr == nil {
		if serr := h.store.SetContainerState(r.Context(), c.ID, models.ContainerReady); serr != nil {
			h.log.Warn("container state update failed", zap.Error(serr))
		}
	}

	writeJSON(w, http.StatusOK, models.HarvestResponse{
		SessionID:   id,
		CookieCount: result.CookieCount,
		LoggedIn:    true,
		Cookies:     result.Cookies,
	})
}

// StopSession handles DELETE /v1/sessions/{id}.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := h.orch.StopSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnqueueAction handles POST /v1/actions: an audit row is created first, then
// the job goes on the queue carrying the row's id for outcome reporting.
func (h *Handler) EnqueueAction(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown action type"))
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId and sessionId are required"))
		return
	}

	sess, err := h.store.GetSession(r.Context(), req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sess.Status.Terminal() {
		writeError(w, http.StatusConflict, errors.New("session is expired"))
		return
	}

	logID := uuid.NewString()
	if err := h.store.CreateActionLog(r.Context(), &store.ActionLog{
		ID:        logID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Kind:      req.Type,
		Status:    models.ActionLogQueued,
		TestRun:   req.TestRun,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	job := models.ActionJob{
		ID:        uuid.NewString(),
		Type:      req.Type,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Payload:   req.Payload,
		TestRun:   req.TestRun,
		LogID:     logID,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.queue.Enqueue(r.Context(), raw, 0); err != nil {
		h.log.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, models.EnqueueActionResponse{JobID: job.ID, LogID: logID})
}

// GetActionLog handles GET /v1/actions/{id}.
func (h *Handler) GetActionLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	row, err := h.store.GetActionLog(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
