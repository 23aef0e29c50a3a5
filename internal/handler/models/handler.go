// Package models exposes model configuration CRUD and keyring credentials.
package models

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/localchat/backend/internal/config"
	"github.com/zhouzirui/localchat/backend/internal/handler/apierror"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/pkg/utils"
)

// Keyring 读写模型配置对应的钥匙串条目
type Keyring interface {
	Credential(cfg chat.ModelConfig) (string, error)
	SetKeyring(cfg chat.ModelConfig, secret string) error
	DeleteKeyring(cfg chat.ModelConfig) error
}

// Handler 模型配置的HTTP处理器
type Handler struct {
	store   chatService.Store
	keyring Keyring
}

// New 创建模型配置处理器
func New(store chatService.Store, keyring Keyring) *Handler {
	return &Handler{store: store, keyring: keyring}
}

// RegisterRoutes 注册模型配置相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/models", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Put("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
		r.Put("/{id}/credential", h.handleSetCredential)
	})
}

// modelPayload 允许在创建时顺带提交 API Key，Key 只写入钥匙串
type modelPayload struct {
	chat.ModelConfig
	APIKey string `json:"apiKey,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.store.ListModelConfigs(r.Context())
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, cfgs)
}

// handleCreate 新建模型配置，ID 由存储层分配
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload modelPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		apierror.Respond(w, err)
		return
	}

	cfg := normalize(payload.ModelConfig)
	cfg.ID = ""
	if payload.APIKey != "" {
		cfg.APIKeyRef = config.KeyringRef
	}

	saved, err := h.store.SaveModelConfig(r.Context(), cfg)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	if payload.APIKey != "" {
		if err := h.keyring.SetKeyring(saved, payload.APIKey); err != nil {
			if delErr := h.store.DeleteModelConfig(context.WithoutCancel(r.Context()), saved.ID); delErr != nil {
				log.Printf("[models] rollback of %s failed: %v", saved.ID, delErr)
			}
			apierror.Respond(w, err)
			return
		}
	}
	utils.RespondJSON(w, http.StatusCreated, saved)
}

// handleUpdate 覆盖已有配置；改名时把钥匙串中的密钥迁移到新名字下
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.store.GetModelConfig(r.Context(), id)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	var payload modelPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		apierror.Respond(w, err)
		return
	}
	cfg := normalize(payload.ModelConfig)
	cfg.ID = id
	if payload.APIKey != "" {
		cfg.APIKeyRef = config.KeyringRef
	}
	if err := cfg.Validate(); err != nil {
		apierror.Respond(w, err)
		return
	}

	switch {
	case payload.APIKey != "":
		if err := h.keyring.SetKeyring(cfg, payload.APIKey); err != nil {
			apierror.Respond(w, err)
			return
		}
	case existing.APIKeyRef == config.KeyringRef && cfg.APIKeyRef == config.KeyringRef && existing.Name != cfg.Name:
		secret, err := h.keyring.Credential(existing)
		if err != nil {
			apierror.Respond(w, err)
			return
		}
		if err := h.keyring.SetKeyring(cfg, secret); err != nil {
			apierror.Respond(w, err)
			return
		}
	}
	if existing.APIKeyRef == config.KeyringRef && (cfg.APIKeyRef != config.KeyringRef || existing.Name != cfg.Name) {
		if err := h.keyring.DeleteKeyring(existing); err != nil {
			log.Printf("[models] removing stale keyring entry for %s failed: %v", id, err)
		}
	}

	saved, err := h.store.SaveModelConfig(r.Context(), cfg)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, saved)
}

// handleDelete 删除配置，仍被会话引用时拒绝
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := h.store.GetModelConfig(r.Context(), id)
	if err != nil {
		apierror.Respond(w, err)
		return
	}

	convs, err := h.store.ListConversations(r.Context())
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	for _, c := range convs {
		if c.ModelConfigID == id {
			utils.RespondError(w, http.StatusConflict, "model config is used by conversation "+c.ID)
			return
		}
	}

	if err := h.store.DeleteModelConfig(r.Context(), id); err != nil {
		apierror.Respond(w, err)
		return
	}
	if cfg.APIKeyRef == config.KeyringRef {
		if err := h.keyring.DeleteKeyring(cfg); err != nil {
			log.Printf("[models] removing keyring entry for %s failed: %v", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetCredential 把 API Key 写入钥匙串，并让配置引用钥匙串
func (h *Handler) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		APIKey string `json:"apiKey"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		apierror.Respond(w, err)
		return
	}

	cfg, err := h.store.GetModelConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	if err := h.keyring.SetKeyring(cfg, payload.APIKey); err != nil {
		apierror.Respond(w, err)
		return
	}

	cfg.APIKeyRef = config.KeyringRef
	saved, err := h.store.SaveModelConfig(r.Context(), cfg)
	if err != nil {
		apierror.Respond(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, saved)
}

func normalize(cfg chat.ModelConfig) chat.ModelConfig {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.APIURL = strings.TrimSpace(cfg.APIURL)
	cfg.Provider = strings.TrimSpace(cfg.Provider)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.APIKeyRef = strings.TrimSpace(cfg.APIKeyRef)
	return cfg
}
