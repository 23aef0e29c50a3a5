// Package events streams turn lifecycle notifications to browsers over SSE
// and WebSocket.
package events

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/pkg/utils"
)

const (
	keepAliveInterval = 15 * time.Second
	pingInterval      = 54 * time.Second
	pongWait          = 60 * time.Second
	writeWait         = 10 * time.Second
)

// Handler 推送事件流的HTTP处理器
type Handler struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
}

// New 创建事件推送处理器
func New(hub *events.Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册事件流路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleSSE)
	r.Get("/ws", h.handleWebSocket)
}

// subscribe 按可选的 conversationId 查询参数订阅
func (h *Handler) subscribe(r *http.Request) *events.Subscription {
	var filter func(events.Event) bool
	if id := r.URL.Query().Get("conversationId"); id != "" {
		filter = events.ForConversation(id)
	}
	return h.hub.Subscribe(filter)
}

// handleSSE 以 Server-Sent Events 推送事件，事件名即事件类型
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.subscribe(r)
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEComment(w, flusher, "connected"); err != nil {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Evicted as a slow consumer or the hub closed.
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				log.Printf("[sse] write failed: %v", err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}
