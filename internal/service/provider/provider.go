// Package provider opens completion streams against remote model endpoints.
// Each variant speaks one wire format; the Registry picks the variant named
// by ModelConfig.Provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrMissingModel     = errors.New("model config does not name a model")
	ErrUnexpectedStatus = errors.New("unexpected response status")
)

// Request is everything needed to open one stream. Messages already
// include the system prompt and are ordered oldest first.
type Request struct {
	Config     chat.ModelConfig
	Credential string
	Messages   []chat.Message
}

// Provider opens a stream for a request. A returned stream is owned by the
// caller, who must Close it.
type Provider interface {
	OpenStream(ctx context.Context, req Request) (delta.Stream, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) (delta.Stream, error)

// OpenStream calls f.
func (f Func) OpenStream(ctx context.Context, req Request) (delta.Stream, error) {
	return f(ctx, req)
}

// TransportInitError reports a stream that could not be opened: the
// request failed, or the endpoint answered with a non-2xx status. Body holds
// at most the first 4 KiB of the error response.
type TransportInitError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportInitError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: open stream: status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: open stream: %v", e.Provider, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

// Registry dispatches to the provider registered under the config's
// Provider name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds name to p, replacing any previous binding.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Supports reports whether a provider is registered under name.
func (r *Registry) Supports(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// OpenStream forwards to the provider named by req.Config.Provider.
func (r *Registry) OpenStream(ctx context.Context, req Request) (delta.Stream, error) {
	r.mu.RLock()
	p, ok := r.providers[req.Config.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, &TransportInitError{
			Provider: req.Config.Provider,
			Err:      fmt.Errorf("%w: %q", ErrUnknownProvider, req.Config.Provider),
		}
	}

	ctx, span := tracer.Start(ctx, "provider.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("localchat.provider", req.Config.Provider),
		attribute.String("localchat.model", req.Config.Model),
		attribute.Int("localchat.messages", len(req.Messages)),
	)

	stream, err := p.OpenStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return stream, nil
}
