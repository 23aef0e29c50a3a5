package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/localchat/backend/internal/config"
	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/localchat/backend/internal/service/chat"
)

type noTurns struct{}

func (noTurns) Send(context.Context, string, string) (chat.Message, error) {
	return chat.Message{}, nil
}

func (noTurns) Regenerate(context.Context, string) error { return nil }

func (noTurns) Cancel(string) bool { return false }

func newTestRouter() http.Handler {
	return NewRouter(Dependencies{
		Store:   chatService.NewMemoryStore(),
		Turns:   noTurns{},
		Keyring: config.NewCredentials(),
		Hub:     events.NewHub(events.HubOptions{}),
	})
}

func TestHealthz(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	r := newTestRouter()
	for _, path := range []string{"/api/conversations", "/api/models"} {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestCancelRouteAccepted(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter().ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/messages/abc/cancel", nil))

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS header, got %q", got)
	}
}
