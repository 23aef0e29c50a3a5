package sse_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/localchat/backend/internal/stream/sse"
)

// chunkedReader hands out its input a few bytes at a time so frames straddle
// read boundaries.
type chunkedReader struct {
	data []byte
	size int
	err  error
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := min(r.size, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func collect(t *testing.T, r io.Reader) ([]string, []error) {
	t.Helper()
	var payloads []string
	var errs []error
	for payload, err := range sse.Payloads(r) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads, errs
}

func TestPayloadsAcrossChunkBoundaries(t *testing.T) {
	body := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	for _, size := range []int{1, 2, 3, 7, 64} {
		payloads, errs := collect(t, &chunkedReader{data: []byte(body), size: size})
		require.Empty(t, errs, "chunk size %d", size)
		assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, "[DONE]"}, payloads, "chunk size %d", size)
	}
}

func TestPayloadsLineEndings(t *testing.T) {
	body := "data: one\r\n\r\ndata: two\r\rdata: three\n\n"
	payloads, errs := collect(t, &chunkedReader{data: []byte(body), size: 1})
	require.Empty(t, errs)
	assert.Equal(t, []string{"one", "two", "three"}, payloads)
}

func TestPayloadsJoinsMultipleDataLines(t *testing.T) {
	payloads, errs := collect(t, strings.NewReader("data: first\ndata:second\n\n"))
	require.Empty(t, errs)
	assert.Equal(t, []string{"first\nsecond"}, payloads)
}

func TestPayloadsSkipsCommentsAndEmptyEvents(t *testing.T) {
	body := ": keep-alive\n\nevent: ping\n\nretry: 100\n\ndata: x\n\n"
	payloads, errs := collect(t, strings.NewReader(body))
	require.Empty(t, errs)
	assert.Equal(t, []string{"x"}, payloads)
}

func TestDecoderRecordsEventAndID(t *testing.T) {
	dec := sse.NewDecoder(strings.NewReader("\uFEFFevent: delta\nid: 7\ndata: hi\n\n"))

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, sse.Frame{Event: "delta", ID: "7", Data: "hi"}, frame)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPayloadsIncompleteFrame(t *testing.T) {
	payloads, errs := collect(t, strings.NewReader("data: ok\n\ndata: {\"choices\":"))
	assert.Equal(t, []string{"ok"}, payloads)
	require.Len(t, errs, 1)

	var decodeErr *sse.FrameDecodeError
	require.True(t, errors.As(errs[0], &decodeErr))
	assert.ErrorIs(t, errs[0], sse.ErrIncompleteFrame)
	assert.Equal(t, `{"choices":`, decodeErr.Raw)
}

func TestPayloadsInvalidEncodingContinues(t *testing.T) {
	payloads, errs := collect(t, strings.NewReader("data: \xff\xfe\n\ndata: after\n\n"))
	assert.Equal(t, []string{"after"}, payloads)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], sse.ErrInvalidEncoding)
}

func TestPayloadsReadErrorIsTerminal(t *testing.T) {
	boom := errors.New("connection reset")
	payloads, errs := collect(t, &chunkedReader{data: []byte("data: a\n\ndata: b"), size: 4, err: boom})
	assert.Equal(t, []string{"a"}, payloads)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

func TestPayloadsStopsWhenConsumerStops(t *testing.T) {
	var got []string
	for payload, err := range sse.Payloads(strings.NewReader("data: 1\n\ndata: 2\n\n")) {
		require.NoError(t, err)
		got = append(got, payload)
		break
	}
	assert.Equal(t, []string{"1"}, got)
}

func TestPayloadsSurviveArbitraryChunking(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("payloads are independent of read boundaries", prop.ForAll(
		func(payloads []string, size int, crlf bool) bool {
			sep := "\n"
			if crlf {
				sep = "\r\n"
			}
			var b strings.Builder
			for _, p := range payloads {
				b.WriteString("data: " + p + sep + sep)
			}

			got, errs := collect(t, &chunkedReader{data: []byte(b.String()), size: size})
			if len(errs) != 0 || len(got) != len(payloads) {
				return false
			}
			for i := range payloads {
				if got[i] != payloads[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 9),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
