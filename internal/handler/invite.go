package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/socialmap/internal/engine"
	"github.com/socialmap/internal/middleware"
)

// InviteHandler — HTTP-зеркало invite_event.
type InviteHandler struct {
	coord *engine.Coordinator
}

func NewInviteHandler(coord *engine.Coordinator) *InviteHandler {
	return &InviteHandler{coord: coord}
}

type sendInviteRequest struct {
	ToUser string `json:"to_user"`
	Mode   string `json:"mode"`
}

func (h *InviteHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	inv, err := h.coord.InviteSend(r.Context(), middleware.GetUserID(r.Context()), req.ToUser, req.Mode)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *InviteHandler) Pending(w http.ResponseWriter, r *http.Request) {
	invites, err := h.coord.PendingInvites(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invites)
}

type respondInviteRequest struct {
	Accept bool `json:"accept"`
}

func (h *InviteHandler) Respond(w http.ResponseWriter, r *http.Request) {
	inviteID := chi.URLParam(r, "inviteID")
	var req respondInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	inv, err := h.coord.InviteRespond(r.Context(), middleware.GetUserID(r.Context()), inviteID, req.Accept)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
