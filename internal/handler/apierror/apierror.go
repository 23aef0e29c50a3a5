// Package apierror maps service errors onto HTTP statuses.
package apierror

import (
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/localchat/backend/internal/config"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	chatstore "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/service/turn"
	"github.com/zhouzirui/localchat/backend/pkg/utils"
)

// Status 返回错误对应的 HTTP 状态码
func Status(err error) int {
	switch {
	case errors.Is(err, chatstore.ErrConversationNotFound),
		errors.Is(err, chatstore.ErrMessageNotFound),
		errors.Is(err, chatstore.ErrModelConfigNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrInvalidBody),
		errors.Is(err, turn.ErrEmptyMessage),
		errors.Is(err, chatstore.ErrInvalidMessage),
		errors.Is(err, chat.ErrInvalidModelConfig),
		errors.Is(err, config.ErrEmptyAPIKey):
		return http.StatusBadRequest
	case errors.Is(err, turn.ErrNothingToRegenerate):
		return http.StatusConflict
	case errors.Is(err, config.ErrCredentialNotFound),
		errors.Is(err, config.ErrUnsupportedKeyRef),
		errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusUnprocessableEntity
	case errors.Is(err, turn.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond 写出错误响应，5xx 额外记录日志
func Respond(w http.ResponseWriter, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[api] request failed: %v", err)
	}
	utils.RespondError(w, status, err.Error())
}
