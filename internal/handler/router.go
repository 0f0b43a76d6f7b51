package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/karitas/backend/internal/handler/live"
	"github.com/zhouzirui/karitas/backend/internal/handler/session"
	"github.com/zhouzirui/karitas/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/karitas/backend/internal/middleware"
	sessionService "github.com/zhouzirui/karitas/backend/internal/service/session"
	"github.com/zhouzirui/karitas/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the session controller.
func NewRouter(ctrl *sessionService.Controller) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(ctrl)
	streamHandler := stream.New(ctrl)
	wsHandler := live.NewWebSocketHandler(ctrl)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			status := ctrl.Status()
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":  "ok",
				"session": status.State,
				"time":    time.Now().UTC().Format(time.RFC3339),
			})
		})

		sessionHandler.RegisterRoutes(api)

		// 事件流与实时通道
		api.Method(http.MethodGet, "/session/events", streamHandler)
		api.Method(http.MethodGet, "/session/ws", wsHandler)
	})

	return r
}
