package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crossword-sync-backend/internal/hub"
	"github.com/DoyleJ11/crossword-sync-backend/internal/progress"
	"github.com/DoyleJ11/crossword-sync-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, tracker *progress.Tracker, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Public routes
	r.Post("/rooms", CreateRoom(h, logger))
	r.Get("/rooms/{code}/summary", RoomSummary(tracker))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, logger))
	return r
}
