// Package openai opens streams against OpenAI-compatible
// /chat/completions endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

const maxErrorBody = 4 << 10

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Options configures the provider.
type Options struct {
	// Client defaults to an http.Client with an otelhttp transport and no
	// timeout: a stream lives as long as the model keeps talking.
	Client *http.Client
	// StreamOptions are passed to delta.NewStream.
	StreamOptions []delta.Option
}

// Provider implements provider.Provider for the openai_compatible variant.
type Provider struct {
	client     *http.Client
	streamOpts []delta.Option
}

// New returns a provider.
func New(opts Options) *Provider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return operation + " " + r.URL.Path
			}),
		)}
	}
	return &Provider{client: client, streamOpts: opts.StreamOptions}
}

// OpenStream posts the conversation with stream=true and hands the
// response body to a delta.Stream.
func (p *Provider) OpenStream(ctx context.Context, req provider.Request) (delta.Stream, error) {
	ctx, span := tracer.Start(ctx, "open completion stream")
	defer span.End()

	if strings.TrimSpace(req.Config.Model) == "" {
		err := p.initError(0, "", provider.ErrMissingModel)
		span.RecordError(err)
		return nil, err
	}

	body := requestBody{
		Model:    req.Config.Model,
		Messages: toMessages(req.Messages),
		Stream:   true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, p.initError(0, "", fmt.Errorf("marshal request: %w", err))
	}

	endpoint := strings.TrimRight(req.Config.APIURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, p.initError(0, "", fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}

	span.SetAttributes(
		attribute.String("request.url", httpReq.URL.String()),
		attribute.String("request.model", req.Config.Model),
	)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		err = p.initError(0, "", err)
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := p.initError(resp.StatusCode, string(errorBody), provider.ErrUnexpectedStatus)
		span.RecordError(err)
		return nil, err
	}

	return delta.NewStream(resp.Body, p.streamOpts...), nil
}

func (p *Provider) initError(status int, body string, err error) error {
	return &provider.TransportInitError{
		Provider:   chat.ProviderOpenAICompatible,
		StatusCode: status,
		Body:       body,
		Err:        err,
	}
}

func toMessages(history []chat.Message) []message {
	out := make([]message, 0, len(history))
	for _, m := range history {
		out = append(out, message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
