package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/socialmap/internal/engine"
	"github.com/socialmap/internal/middleware"
)

// ChatHandler — HTTP-зеркало чата: отправка, история, метка прочтения,
// срез состояния комнаты.
type ChatHandler struct {
	coord *engine.Coordinator
}

func NewChatHandler(coord *engine.Coordinator) *ChatHandler {
	return &ChatHandler{coord: coord}
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := h.coord.ChatSend(r.Context(), middleware.GetUserID(r.Context()), roomID, req.Body)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// History отдаёт страницу журнала от новых к старым.
// Параметры: before_seq (эксклюзивный курсор), limit.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	beforeSeq := queryInt64(r, "before_seq", 0)
	limit := queryInt(r, "limit", 50)
	msgs, err := h.coord.History(r.Context(), roomID, beforeSeq, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	out, err := h.coord.MarkRead(r.Context(), middleware.GetUserID(r.Context()), "", roomID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ChatHandler) RoomState(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	state, err := h.coord.RoomState(r.Context(), middleware.GetUserID(r.Context()), roomID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type heartbeatRequest struct {
	RoomID string `json:"room_id"`
}

// Heartbeat — HTTP-зеркало presence_update: продлевает лизу в комнате.
func (h *ChatHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.coord.Heartbeat(r.Context(), middleware.GetUserID(r.Context()), req.RoomID); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
