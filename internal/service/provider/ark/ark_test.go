package ark

import (
	"context"
	"errors"
	"io"
	"testing"

	arkmodel "github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/stream/delta"
)

type fakeModel struct {
	input  []*schema.Message
	reader *schema.StreamReader[*schema.Message]
	err    error
}

func (f *fakeModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	return f.reader, f.err
}

func factoryFor(fm *fakeModel, gotCfg **arkmodel.ChatModelConfig) ModelFactory {
	return func(_ context.Context, cfg *arkmodel.ChatModelConfig) (model.BaseChatModel, error) {
		if gotCfg != nil {
			*gotCfg = cfg
		}
		return fm, nil
	}
}

func request() provider.Request {
	return provider.Request{
		Config:     chat.ModelConfig{Name: "doubao", Provider: chat.ProviderArk, APIURL: "https://ark.example/api/v3", Model: "doubao-pro"},
		Credential: "ark-key",
		Messages: []chat.Message{
			{Role: chat.RoleSystem, Content: "You are doubao."},
			{Role: chat.RoleUser, Content: "hi"},
			{Role: chat.RoleAssistant, Content: "hello"},
			{Role: chat.RoleUser, Content: "again"},
		},
	}
}

func TestOpenStreamAdaptsReader(t *testing.T) {
	fm := &fakeModel{reader: schema.StreamReaderFromArray([]*schema.Message{
		{Role: schema.Assistant, Content: ""},
		{Role: schema.Assistant, Content: "Hel"},
		{Role: schema.Assistant, Content: "lo", ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"}},
	})}
	var cfg *arkmodel.ChatModelConfig

	stream, err := New(factoryFor(fm, &cfg)).OpenStream(context.Background(), request())
	require.NoError(t, err)
	defer stream.Close()

	require.NotNil(t, cfg)
	assert.Equal(t, "ark-key", cfg.APIKey)
	assert.Equal(t, "doubao-pro", cfg.Model)
	require.Len(t, fm.input, 4)
	assert.Equal(t, schema.System, fm.input[0].Role)
	assert.Equal(t, schema.Assistant, fm.input[2].Role)

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, delta.Content("Hel").Content, ev.Content)

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "lo", ev.Content)

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, delta.KindEnd, ev.Kind)
	assert.Equal(t, "stop", ev.FinishReason)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestStreamReaderErrorBecomesFailure(t *testing.T) {
	reader, writer := schema.Pipe[*schema.Message](2)
	boom := errors.New("ark: connection reset")
	writer.Send(&schema.Message{Role: schema.Assistant, Content: "par"}, nil)
	writer.Send(nil, boom)
	writer.Close()

	stream, err := New(factoryFor(&fakeModel{reader: reader}, nil)).OpenStream(context.Background(), request())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "par", ev.Content)

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, delta.KindError, ev.Kind)
	assert.ErrorIs(t, ev.Err, boom)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
}

func TestOpenStreamFailures(t *testing.T) {
	boom := errors.New("unauthorized")
	_, err := New(factoryFor(&fakeModel{err: boom}, nil)).OpenStream(context.Background(), request())
	var initErr *provider.TransportInitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, chat.ProviderArk, initErr.Provider)
	assert.ErrorIs(t, err, boom)

	failing := func(context.Context, *arkmodel.ChatModelConfig) (model.BaseChatModel, error) {
		return nil, boom
	}
	_, err = New(failing).OpenStream(context.Background(), request())
	require.ErrorIs(t, err, boom)

	req := request()
	req.Config.Model = ""
	_, err = New(nil).OpenStream(context.Background(), req)
	require.ErrorIs(t, err, provider.ErrMissingModel)
}
