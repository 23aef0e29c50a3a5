package delta

import (
	"io"
	"iter"
	"sync"

	"github.com/zhouzirui/localchat/backend/internal/stream/sse"
)

// Stream is a pull-based sequence of events for one completion. Recv
// returns io.EOF once no events remain. Close releases the underlying
// transport and may be called at any time, including mid-stream.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

type sseStream struct {
	body      io.Closer
	extractor *Extractor
	next      func() (string, error, bool)
	stop      func()

	finishReason string
	ended        bool
	closeOnce    sync.Once
	closeErr     error
}

// NewStream decodes an event-stream body into events. Decode failures are
// delivered as KindError events. A finish_reason seen on a chunk without
// content is carried on the End event.
func NewStream(body io.ReadCloser, opts ...Option) Stream {
	next, stop := iter.Pull2(sse.Payloads(body))
	return &sseStream{
		body:      body,
		extractor: NewExtractor(opts...),
		next:      next,
		stop:      stop,
	}
}

func (s *sseStream) Recv() (Event, error) {
	if s.ended {
		return Event{}, io.EOF
	}

	for {
		payload, err, ok := s.next()
		if !ok {
			s.ended = true
			return Event{}, io.EOF
		}
		if err != nil {
			s.ended = true
			return Failure(err), nil
		}

		ev, emit := s.extractor.Extract(payload)
		if ev.FinishReason != "" {
			s.finishReason = ev.FinishReason
		}
		if !emit {
			continue
		}

		switch ev.Kind {
		case KindEnd:
			s.ended = true
			ev.FinishReason = s.finishReason
		case KindError:
			s.ended = true
		}
		return ev, nil
	}
}

func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		s.stop()
	})
	return s.closeErr
}
