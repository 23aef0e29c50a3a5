package chat

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/localchat/backend/internal/handler/apierror"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/pkg/utils"
)

// Turns 是处理器依赖的对话轮次操作
type Turns interface {
	Send(ctx context.Context, conversationID, text string) (chat.Message, error)
	Regenerate(ctx context.Context, conversationID string) error
	Cancel(messageID string) bool
}

// Handler 会话与消息的HTTP处理器
type Handler struct {
	store chatService.Store
	turns Turns
}

// New 创建聊天处理器
func New(store chatService.Store, turns Turns) *Handler {
	return &Handler{
		store: store,
		turns: turns,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Post("/", h.handleCreateConversation)
		r.Route("/{id}", func(r chi.Router) {
			r.Patch("/", h.handleUpdateConversation)
			r.Delete("/", h.handleDeleteConversation)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handleSendMessage)
			r.Post("/regenerate", h.handleRegenerate)
		})
	})
	r.Post("/messages/{id}/cancel", h.handleCancel)
}

type conversationPayload struct {
	Title         *string `json:"title"`
	ModelConfigID *string `json:"modelConfigId"`
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context())
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, convs)
}

// handleCreateConversation 创建会话，未指定模型时使用第一个模型配置
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload conversationPayload
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			apierror.Respond(w, err)
			return
		}
	}

	conv := chat.Conversation{Title: chat.DefaultTitle}
	if payload.Title != nil && strings.TrimSpace(*payload.Title) != "" {
		conv.Title = strings.TrimSpace(*payload.Title)
	}

	if payload.ModelConfigID != nil && *payload.ModelConfigID != "" {
		if _, err := h.store.GetModelConfig(r.Context(), *payload.ModelConfigID); err != nil {
			apierror.Respond(w, err)
			return
		}
		conv.ModelConfigID = *payload.ModelConfigID
	} else {
		models, err := h.store.ListModelConfigs(r.Context())
		if err != nil {
			apierror.Respond(w, err)
			return
		}
		if len(models) == 0 {
			utils.RespondError(w, http.StatusUnprocessableEntity, "no model config available")
			return
		}
		conv.ModelConfigID = models[0].ID
	}

	created, err := h.store.CreateConversation(r.Context(), conv)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, created)
}

// handleUpdateConversation 重命名会话或切换模型
func (h *Handler) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var payload conversationPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		apierror.Respond(w, err)
		return
	}

	conv, err := h.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	if payload.Title != nil {
		title := strings.TrimSpace(*payload.Title)
		if title == "" {
			utils.RespondError(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		conv.Title = title
	}
	if payload.ModelConfigID != nil {
		if _, err := h.store.GetModelConfig(r.Context(), *payload.ModelConfigID); err != nil {
			apierror.Respond(w, err)
			return
		}
		conv.ModelConfigID = *payload.ModelConfigID
	}

	updated, err := h.store.UpdateConversation(r.Context(), conv)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		apierror.Respond(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.GetMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleSendMessage 保存用户消息并在后台开始生成回复
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		apierror.Respond(w, err)
		return
	}

	msg, err := h.turns.Send(r.Context(), chi.URLParam(r, "id"), payload.Content)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

// handleRegenerate 丢弃最后一条回复并重新生成
func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if err := h.turns.Regenerate(r.Context(), chi.URLParam(r, "id")); err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCancel 请求停止生成；未知或已结束的消息同样返回 202
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	cancelled := h.turns.Cancel(chi.URLParam(r, "id"))
	utils.RespondJSON(w, http.StatusAccepted, map[string]bool{"cancelled": cancelled})
}
