// Package api provides the versioned JSON API consumed by the mobile
// clients: invite lifecycle, partner management, task requests and the
// change stream.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tandemlist/tandem-go/internal/api/httperr"
	"github.com/tandemlist/tandem-go/internal/appctx"
	"github.com/tandemlist/tandem-go/internal/invites"
	"github.com/tandemlist/tandem-go/internal/partnership"
	"github.com/tandemlist/tandem-go/internal/platform/logutil"
	"github.com/tandemlist/tandem-go/internal/store"
	"github.com/tandemlist/tandem-go/internal/taskreq"
)

// Handler handles the /v1 API endpoints.
type Handler struct {
	invites  *invites.Manager
	partners *partnership.Manager
	tasks    *taskreq.Workflow
	store    store.Store
	log      *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(inv *invites.Manager, partners *partnership.Manager, tasks *taskreq.Workflow, st store.Store, log *slog.Logger) *Handler {
	return &Handler{
		invites:  inv,
		partners: partners,
		tasks:    tasks,
		store:    st,
		log:      logutil.NoopIfNil(log),
	}
}

// InviteView is the public view of an invite.
type InviteView struct {
	Code      string `json:"code"`
	Link      string `json:"link"`
	ExpiresAt string `json:"expires_at"`
	Status    string `json:"status"`
}

// PartnerView is the public view of the current partner.
type PartnerView struct {
	UserID        string `json:"user_id"`
	PartnershipID string `json:"partnership_id"`
	ConnectedAt   string `json:"connected_at"`
}

// HandleCreateInvite handles POST /v1/invites.
// Idempotent: an existing pending invite is returned as-is.
func (h *Handler) HandleCreateInvite(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	inv, err := h.invites.CreateInvite(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to create invite")
		return
	}

	writeJSON(w, http.StatusCreated, InviteView{
		Code:      inv.Code,
		Link:      h.invites.InviteLink(inv.Code),
		ExpiresAt: inv.ExpiresAt.Format(time.RFC3339),
		Status:    string(inv.Status),
	})
}

// HandleValidateInvite handles GET /v1/invites/{code}.
func (h *Handler) HandleValidateInvite(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	info, err := h.invites.ValidateInvite(r.Context(), code)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to validate invite")
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// HandleAcceptInvite handles POST /v1/invites/{code}/accept.
func (h *Handler) HandleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	code := chi.URLParam(r, "code")

	p, err := h.invites.AcceptInvite(r.Context(), code, userID)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to accept invite")
		return
	}

	writeJSON(w, http.StatusOK, PartnerView{
		UserID:        p.OtherUser(userID),
		PartnershipID: p.ID,
		ConnectedAt:   p.CreatedAt.Format(time.RFC3339),
	})
}

// HandleCancelInvite handles DELETE /v1/invites.
// Cancels the caller's pending invite, if any. Idempotent.
func (h *Handler) HandleCancelInvite(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	if err := h.invites.CancelInvite(r.Context(), userID); err != nil && !errors.Is(err, store.ErrInviteNotFound) {
		h.writeDomainError(w, r, err, "failed to cancel invite")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleGetPartner handles GET /v1/partner.
func (h *Handler) HandleGetPartner(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	partner, err := h.partners.GetPartner(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to get partner")
		return
	}

	writeJSON(w, http.StatusOK, PartnerView{
		UserID:        partner.UserID,
		PartnershipID: partner.PartnershipID,
		ConnectedAt:   partner.ConnectedAt.Format(time.RFC3339),
	})
}

// HandleDissolvePartnership handles DELETE /v1/partner.
func (h *Handler) HandleDissolvePartnership(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	if err := h.partners.Dissolve(r.Context(), userID); err != nil {
		h.writeDomainError(w, r, err, "failed to dissolve partnership")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TaskRequestBody is the request body for POST /v1/tasks/requests.
type TaskRequestBody struct {
	PartnerID string `json:"partner_id"`
	Title     string `json:"title"`
	Note      string `json:"note"`
}

// HandleRequestTask handles POST /v1/tasks/requests.
func (h *Handler) HandleRequestTask(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	var body TaskRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperr.WriteBadRequest(w, httperr.ReasonBadRequest, "invalid request body")
		return
	}
	if body.PartnerID == "" {
		httperr.WriteBadRequest(w, httperr.ReasonMissingField, "partner_id is required")
		return
	}

	task, err := h.tasks.RequestTask(r.Context(), userID, body.PartnerID, body.Title, body.Note)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to request task")
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// HandleAcceptTaskRequest handles POST /v1/tasks/{id}/accept.
func (h *Handler) HandleAcceptTaskRequest(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	taskID := chi.URLParam(r, "id")

	task, err := h.tasks.AcceptRequest(r.Context(), taskID, userID)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to accept task request")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// HandleDeclineTaskRequest handles POST /v1/tasks/{id}/decline.
func (h *Handler) HandleDeclineTaskRequest(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	taskID := chi.URLParam(r, "id")

	if err := h.tasks.DeclineRequest(r.Context(), taskID, userID); err != nil {
		h.writeDomainError(w, r, err, "failed to decline task request")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TaskUpsertBody is the request body for POST /v1/tasks/{id}.
type TaskUpsertBody struct {
	Title  string `json:"title"`
	Note   string `json:"note"`
	Status string `json:"status"`
}

// HandleUpsertTask handles POST /v1/tasks/{id}. The client chooses the
// task ID so offline-created tasks keep their identity across devices.
func (h *Handler) HandleUpsertTask(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	taskID := chi.URLParam(r, "id")

	var body TaskUpsertBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httperr.WriteBadRequest(w, httperr.ReasonBadRequest, "invalid request body")
		return
	}

	status := store.TaskStatus(body.Status)
	if body.Status == "" {
		status = store.TaskStatusPending
	}
	// Declined is owned by the request workflow and pending_acceptance by
	// RequestTask; neither is settable through a plain upsert.
	if !status.Valid() || status == store.TaskStatusDeclined || status == store.TaskStatusPendingAcceptance {
		httperr.WriteBadRequest(w, httperr.ReasonInvalidField, "invalid task status")
		return
	}

	task, err := h.tasks.UpdateTask(r.Context(), userID, &store.Task{
		ID:     taskID,
		Title:  body.Title,
		Note:   body.Note,
		Status: status,
	})
	if err != nil {
		h.writeDomainError(w, r, err, "failed to update task")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// HandleListTasks handles GET /v1/tasks.
func (h *Handler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)

	tasks, err := h.store.ListTasks(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err, "failed to list tasks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// writeDomainError maps core errors onto the error envelope.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error, logMsg string) {
	switch {
	case errors.Is(err, store.ErrInviteNotFound):
		httperr.WriteNotFound(w, "invite not found")
	case errors.Is(err, store.ErrInviteExpired):
		httperr.Write(w, http.StatusGone, httperr.ReasonInviteExpired, "invite has expired")
	case errors.Is(err, store.ErrSelfInvite):
		httperr.WriteBadRequest(w, httperr.ReasonSelfInvite, "cannot accept your own invite")
	case errors.Is(err, store.ErrAlreadyPartnered):
		httperr.WriteConflict(w, httperr.ReasonAlreadyPartnered, "user already has a partner")
	case errors.Is(err, store.ErrNoPartnership):
		httperr.WriteNotFound(w, "no active partnership")
	case errors.Is(err, store.ErrTaskNotFound):
		httperr.WriteNotFound(w, "task not found")
	case errors.Is(err, store.ErrNotOwner):
		httperr.WriteForbidden(w, httperr.ReasonUnauthorized, "not the task owner")
	case errors.Is(err, store.ErrInvalidMutation):
		httperr.WriteBadRequest(w, httperr.ReasonInvalidField, "invalid mutation")
	case errors.Is(err, taskreq.ErrInvalidTitle):
		httperr.WriteBadRequest(w, httperr.ReasonInvalidField, "title must not be blank")
	case errors.Is(err, taskreq.ErrNotPartners):
		httperr.WriteConflict(w, httperr.ReasonNoPartnership, "users are not partners")
	case errors.Is(err, invites.ErrInvalidLink):
		httperr.WriteBadRequest(w, httperr.ReasonInvalidField, "invalid invite link")
	default:
		h.log.Error(logMsg, "error", err)
		httperr.WriteInternalError(w, logMsg)
	}
}

// mustUserID returns the authenticated user ID. The auth middleware
// guarantees presence on all protected routes.
func mustUserID(r *http.Request) string {
	id, _ := appctx.UserID(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
