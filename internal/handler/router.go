package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/handler/chat"
	eventsHandler "github.com/zhouzirui/localchat/backend/internal/handler/events"
	"github.com/zhouzirui/localchat/backend/internal/handler/models"
	middlewarePkg "github.com/zhouzirui/localchat/backend/internal/middleware"
	chatService "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/pkg/utils"
)

// Dependencies 路由需要的服务
type Dependencies struct {
	Store   chatService.Store
	Turns   chat.Turns
	Keyring models.Keyring
	Hub     *events.Hub
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(deps.Store, deps.Turns).RegisterRoutes(api)
		models.New(deps.Store, deps.Keyring).RegisterRoutes(api)
		if deps.Hub != nil {
			eventsHandler.New(deps.Hub).RegisterRoutes(api)
		}
	})

	return r
}
