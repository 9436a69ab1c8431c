package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/socialmap/internal/engine"
	"github.com/socialmap/internal/middleware"
	"github.com/socialmap/internal/storage"
)

// PositionHandler — HTTP-зеркало realtime-команды position_update плюс
// чтение последней известной позиции пользователя.
type PositionHandler struct {
	coord     *engine.Coordinator
	positions storage.PositionStore
}

func NewPositionHandler(coord *engine.Coordinator, positions storage.PositionStore) *PositionHandler {
	return &PositionHandler{coord: coord, positions: positions}
}

type positionRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (h *PositionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	userID := middleware.GetUserID(r.Context())
	if err := h.coord.PositionUpdate(r.Context(), userID, req.Lat, req.Lon); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pos, err := h.positions.Get(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
