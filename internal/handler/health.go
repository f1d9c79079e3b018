package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/store"
)

type HealthHandler struct {
	Store *store.Store
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.Store.Ping(); err != nil {
		slog.Error("Health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "database": "disconnected"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
