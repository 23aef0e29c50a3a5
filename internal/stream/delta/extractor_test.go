package delta_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

func TestExtract(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		emit    bool
		kind    delta.Kind
		content string
	}{
		{name: "done sentinel", payload: "[DONE]", emit: true, kind: delta.KindEnd},
		{name: "done sentinel with padding", payload: "  [DONE]\n", emit: true, kind: delta.KindEnd},
		{name: "content chunk", payload: `{"choices":[{"delta":{"content":"Hel"}}]}`, emit: true, kind: delta.KindContent, content: "Hel"},
		{
			name:    "full openai chunk",
			payload: `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
			emit:    true,
			kind:    delta.KindContent,
			content: "lo",
		},
		{name: "role only chunk", payload: `{"choices":[{"delta":{"role":"assistant"}}]}`, emit: false},
		{name: "usage only chunk", payload: `{"choices":[],"usage":{"total_tokens":3}}`, emit: false},
		{name: "ping frame", payload: `{"type":"ping"}`, emit: false},
		{name: "heartbeat frame", payload: `{"type":"heartbeat"}`, emit: false},
	}

	extractor := delta.NewExtractor()
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ev, emit := extractor.Extract(testCase.payload)
			require.Equal(t, testCase.emit, emit)
			if !emit {
				return
			}
			assert.Equal(t, testCase.kind, ev.Kind)
			assert.Equal(t, testCase.content, ev.Content)
			assert.NoError(t, ev.Err)
		})
	}
}

func TestExtractUnrecognizedJSON(t *testing.T) {
	for _, payload := range []string{
		`{"object":"chat.completion.chunk"}`,
		`{"type":"message_start"}`,
		`{"choices":[{"index":0}]}`,
		`{"choices":[{"delta":{"content":5}}]}`,
		`[1,2,3]`,
	} {
		ev, emit := delta.NewExtractor().Extract(payload)
		require.True(t, emit, payload)
		require.Equal(t, delta.KindError, ev.Kind, payload)

		var parseErr *delta.ChunkParseError
		require.True(t, errors.As(ev.Err, &parseErr), payload)
		assert.Equal(t, payload, parseErr.Payload)
	}
}

func TestExtractInvalidJSONKeepsOriginalError(t *testing.T) {
	ev, emit := delta.NewExtractor().Extract(`{"choices": [`)
	require.True(t, emit)
	require.Equal(t, delta.KindError, ev.Kind)

	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(ev.Err, &syntaxErr))
}

func TestExtractCustomControlTypes(t *testing.T) {
	extractor := delta.NewExtractor(delta.WithControlTypes("keepalive"))

	_, emit := extractor.Extract(`{"type":"keepalive"}`)
	assert.False(t, emit)

	ev, emit := extractor.Extract(`{"type":"ping"}`)
	require.True(t, emit)
	assert.Equal(t, delta.KindError, ev.Kind)
}
