package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/cancel"
	"github.com/zhouzirui/localchat/backend/internal/service/session"
	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

type memoryStore struct {
	mu     sync.Mutex
	saved  []chat.Message
	err    error
	onSave func()
}

func (s *memoryStore) SaveMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onSave != nil {
		s.onSave()
	}
	if s.err != nil {
		return chat.Message{}, s.err
	}
	s.saved = append(s.saved, m)
	return m, nil
}

func (s *memoryStore) messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.saved...)
}

// closeCounter wraps an SSE body and counts Close calls.
type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func sseBody(payloads ...string) *closeCounter {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return &closeCounter{Reader: strings.NewReader(b.String())}
}

func contentFrame(s string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": s}}},
	})
	return string(raw)
}

// scriptedStream returns events in order and runs before(i) ahead of each
// Recv.
type scriptedStream struct {
	events []delta.Event
	errs   []error
	before func(i int)
	i      int
	closed int
}

func (s *scriptedStream) Recv() (delta.Event, error) {
	if s.before != nil {
		s.before(s.i)
	}
	if s.i >= len(s.events) {
		return delta.Event{}, io.EOF
	}
	i := s.i
	s.i++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.events[i], err
}

func (s *scriptedStream) Close() error {
	s.closed++
	return nil
}

type harness struct {
	store    *memoryStore
	recorder *events.Recorder
	registry *cancel.Registry
	ctrl     *session.Controller
}

func newHarness() *harness {
	h := &harness{
		store:    &memoryStore{},
		recorder: events.NewRecorder(),
		registry: cancel.NewRegistry(),
	}
	h.ctrl = session.NewController(session.Options{
		Store:    h.store,
		Emitter:  h.recorder,
		Registry: h.registry,
	})
	return h
}

func TestRunHelloScenario(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "gpt-test")
	body := sseBody(contentFrame("Hel"), contentFrame("lo"), "[DONE]")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(body))

	assert.Equal(t, session.Completed, res.Outcome)
	assert.True(t, res.Persisted)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"Hel", "lo"}, h.recorder.Chunks(s.MessageID))
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamStarted))
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamFinished))
	assert.Equal(t, 1, body.closed)

	saved := h.store.messages()
	require.Len(t, saved, 1)
	assert.Equal(t, s.MessageID, saved[0].ID)
	assert.Equal(t, "Hello", saved[0].Content)
	assert.Equal(t, chat.RoleAssistant, saved[0].Role)
	assert.Equal(t, "completed", saved[0].Metadata[chat.MetaOutcome])
	assert.Equal(t, "gpt-test", saved[0].Metadata[chat.MetaModel])

	all := h.recorder.ForMessage(s.MessageID)
	assert.Equal(t, events.TypeStreamStarted, all[0].Type)
	assert.Equal(t, events.TypeStreamFinished, all[len(all)-1].Type)
	assert.Equal(t, "completed", all[len(all)-1].Outcome)
}

func TestRunSkipsControlFrames(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(`{"type":"ping"}`, contentFrame("Hi"), "[DONE]")))

	assert.Equal(t, session.Completed, res.Outcome)
	saved := h.store.messages()
	require.Len(t, saved, 1)
	assert.Equal(t, "Hi", saved[0].Content)
	assert.Equal(t, []string{"Hi"}, h.recorder.Chunks(s.MessageID))
}

func TestRunUnrecognizedFrameWithoutContent(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(`{"object":"chat.completion.chunk"}`)))

	assert.Equal(t, session.Errored, res.Outcome)
	var parseErr *delta.ChunkParseError
	assert.ErrorAs(t, res.Err, &parseErr)
	assert.False(t, res.Persisted)
	assert.Empty(t, h.store.messages())
	assert.Empty(t, h.recorder.Chunks(s.MessageID))
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamFinished))
}

func TestRunErrorStopsProcessing(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	body := sseBody(contentFrame("a"), `{"unexpected":true}`, contentFrame("b"), "[DONE]")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(body))

	assert.Equal(t, session.Errored, res.Outcome)
	assert.Equal(t, []string{"a"}, h.recorder.Chunks(s.MessageID))
	saved := h.store.messages()
	require.Len(t, saved, 1)
	assert.Equal(t, "a", saved[0].Content)
	assert.Equal(t, "errored", saved[0].Metadata[chat.MetaOutcome])
	assert.NotEmpty(t, saved[0].Metadata[chat.MetaError])
}

func TestRunIncompleteFrameKeepsPartialContent(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	body := &closeCounter{Reader: strings.NewReader("data: " + contentFrame("par") + "\n\ndata: {\"choices\":")}

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(body))

	assert.Equal(t, session.Errored, res.Outcome)
	assert.Equal(t, "par", res.Content)
	assert.True(t, res.Persisted)
}

func TestRunEndWithoutSentinelCompletes(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(contentFrame("done"))))

	assert.Equal(t, session.Completed, res.Outcome)
	assert.Equal(t, "done", res.Content)
}

func TestRunRecvErrorIsErrored(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	reset := errors.New("connection reset")
	stream := &scriptedStream{
		events: []delta.Event{delta.Content("x"), {}},
		errs:   []error{nil, reset},
	}

	res := h.ctrl.Run(context.Background(), s, stream)

	assert.Equal(t, session.Errored, res.Outcome)
	assert.ErrorIs(t, res.Err, reset)
	assert.Equal(t, "x", res.Content)
	assert.Equal(t, 1, stream.closed)
}

func TestRunCancelMidStream(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	stream := &scriptedStream{
		events: []delta.Event{delta.Content("one"), delta.Content("two"), delta.Content("three"), delta.End()},
		before: func(i int) {
			if i == 1 {
				h.registry.Mark(s.MessageID)
			}
		},
	}

	res := h.ctrl.Run(context.Background(), s, stream)

	assert.Equal(t, session.Cancelled, res.Outcome)
	assert.Equal(t, []string{"one"}, h.recorder.Chunks(s.MessageID))
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamFinished))
	assert.Equal(t, 1, stream.closed)
	assert.Equal(t, 0, h.registry.Len())

	saved := h.store.messages()
	require.Len(t, saved, 1)
	assert.Equal(t, "one", saved[0].Content)
	assert.Equal(t, "cancelled", saved[0].Metadata[chat.MetaOutcome])
}

func TestRunCancelledBeforeFirstDelta(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	h.registry.Mark(s.MessageID)

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(contentFrame("never"), "[DONE]")))

	assert.Equal(t, session.Cancelled, res.Outcome)
	assert.Empty(t, h.recorder.Chunks(s.MessageID))
	assert.False(t, res.Persisted)
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamStarted))
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamFinished))
}

func TestRunCancelOnlyAffectsItsOwnSession(t *testing.T) {
	h := newHarness()
	a := session.New("conv-1", "")
	b := session.New("conv-2", "")
	h.registry.Mark(a.MessageID)

	resB := h.ctrl.Run(context.Background(), b, delta.NewStream(sseBody(contentFrame("b"), "[DONE]")))
	resA := h.ctrl.Run(context.Background(), a, delta.NewStream(sseBody(contentFrame("a"), "[DONE]")))

	assert.Equal(t, session.Completed, resB.Outcome)
	assert.Equal(t, session.Cancelled, resA.Outcome)
}

func TestRunContextCancelled(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	ctx, cancelFn := context.WithCancel(context.Background())
	stream := &scriptedStream{
		events: []delta.Event{delta.Content("a"), delta.Content("b")},
		before: func(i int) {
			if i == 1 {
				cancelFn()
			}
		},
	}

	res := h.ctrl.Run(ctx, s, stream)

	assert.Equal(t, session.Cancelled, res.Outcome)
	assert.True(t, res.Persisted, "persistence must not use the cancelled context")
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamFinished))
}

func TestRunAbortsWhenStartCannotBeDelivered(t *testing.T) {
	h := newHarness()
	h.recorder.FailOn(events.TypeStreamStarted, errors.New("bus down"))
	s := session.New("conv-1", "")
	body := sseBody(contentFrame("x"), "[DONE]")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(body))

	assert.Equal(t, session.Aborted, res.Outcome)
	assert.Error(t, res.Err)
	assert.Empty(t, h.recorder.Events())
	assert.Empty(t, h.store.messages())
	assert.Equal(t, 1, body.closed)
}

func TestRunPersistenceFailureStillFinishes(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("disk full")
	s := session.New("conv-1", "")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(contentFrame("kept"), "[DONE]")))

	assert.Equal(t, session.Completed, res.Outcome)
	assert.False(t, res.Persisted)
	assert.Equal(t, "kept", res.Content)
	assert.Equal(t, "kept", s.Content())
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamFinished))
}

func TestRunChunkEmitFailureContinues(t *testing.T) {
	h := newHarness()
	h.recorder.FailOn(events.TypeMessageChunk, errors.New("slow consumer"))
	s := session.New("conv-1", "")

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(contentFrame("a"), contentFrame("b"), "[DONE]")))

	assert.Equal(t, session.Completed, res.Outcome)
	assert.Equal(t, "ab", res.Content)
}

func TestRunClearsMarkRaisedDuringFinalization(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	h.store.onSave = func() { h.registry.Mark(s.MessageID) }

	res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(contentFrame("a"), "[DONE]")))

	assert.Equal(t, session.Completed, res.Outcome)
	assert.Equal(t, 0, h.registry.Len())
}

func TestRunRejectsReusedSession(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody("[DONE]")))

	body := sseBody(contentFrame("again"))
	res := h.ctrl.Run(context.Background(), s, delta.NewStream(body))

	assert.ErrorIs(t, res.Err, session.ErrSessionReused)
	assert.Equal(t, 1, body.closed)
	assert.Equal(t, 1, h.recorder.Count(s.MessageID, events.TypeStreamStarted))
}

func TestFinishReasonRecorded(t *testing.T) {
	h := newHarness()
	s := session.New("conv-1", "")
	last := `{"choices":[{"delta":{},"finish_reason":"length"}]}`

	h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(contentFrame("cut"), last, "[DONE]")))

	saved := h.store.messages()
	require.Len(t, saved, 1)
	assert.Equal(t, "length", saved[0].Metadata[chat.MetaFinishReason])
}

func TestChunksConcatenateToPersistedContent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chunk deltas concatenate to the persisted message", prop.ForAll(
		func(fragments []string) bool {
			h := newHarness()
			s := session.New("conv", "")
			payloads := make([]string, 0, len(fragments)+1)
			for _, f := range fragments {
				payloads = append(payloads, contentFrame(f))
			}
			payloads = append(payloads, "[DONE]")

			res := h.ctrl.Run(context.Background(), s, delta.NewStream(sseBody(payloads...)))

			joined := strings.Join(h.recorder.Chunks(s.MessageID), "")
			persisted := ""
			if saved := h.store.messages(); len(saved) == 1 {
				persisted = saved[0].Content
			}
			return res.Outcome == session.Completed &&
				joined == strings.Join(fragments, "") &&
				joined == persisted &&
				h.recorder.Count(s.MessageID, events.TypeStreamFinished) == 1
		},
		gen.SliceOf(gen.OneGenOf(gen.AlphaString(), gen.NumString(), gen.Const(" \n\t"), gen.Const("你好"))),
	))

	properties.TestingRun(t)
}
