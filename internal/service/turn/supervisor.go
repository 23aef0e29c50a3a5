package turn

import (
	"context"
	"errors"
	"sync"

	"github.com/zhouzirui/localchat/backend/internal/service/session"
)

// ErrShuttingDown is returned by Go after Shutdown started.
var ErrShuttingDown = errors.New("turn supervisor is shutting down")

// Task is the handle of one detached turn. The message id is empty until
// the remote stream opened and a session was allocated.
type Task struct {
	conversationID string
	done           chan struct{}

	mu        sync.Mutex
	messageID string
	result    session.Result
	err       error
	sup       *Supervisor
}

// ConversationID returns the conversation the turn answers.
func (t *Task) ConversationID() string {
	return t.conversationID
}

// MessageID returns the assistant message id, or "" before the session
// started.
func (t *Task) MessageID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageID
}

// Done is closed once the turn has fully finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the session result and the error that prevented a session
// from starting. Only meaningful after Done is closed.
func (t *Task) Result() (session.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

func (t *Task) bind(messageID string) {
	t.mu.Lock()
	t.messageID = messageID
	t.mu.Unlock()
	t.sup.index(t, messageID)
}

// Supervisor owns every detached turn. Tasks run on a context derived from
// the supervisor rather than from the request that started them.
type Supervisor struct {
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	live      map[*Task]struct{}
	byMessage map[string]*Task
	onRelease func(messageID string)
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithReleaseHook runs fn with a task's message id once the task is no
// longer reachable through Lookup. It runs under the supervisor lock and
// must not call back into the supervisor.
func WithReleaseHook(fn func(messageID string)) SupervisorOption {
	return func(s *Supervisor) {
		s.onRelease = fn
	}
}

// NewSupervisor returns a supervisor with no tasks.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		base:      base,
		cancel:    cancel,
		live:      make(map[*Task]struct{}),
		byMessage: make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Go starts fn in its own goroutine and returns its handle.
func (s *Supervisor) Go(conversationID string, fn func(ctx context.Context, t *Task) (session.Result, error)) (*Task, error) {
	t := &Task{conversationID: conversationID, done: make(chan struct{}), sup: s}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.live[t] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer s.release(t)

		res, err := fn(s.base, t)
		t.mu.Lock()
		t.result, t.err = res, err
		t.mu.Unlock()
	}()
	return t, nil
}

// Lookup returns the live task owning messageID.
func (s *Supervisor) Lookup(messageID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byMessage[messageID]
	return t, ok
}

// whileLive runs fn while the task owning messageID is still indexed. Since
// release takes the same lock, fn either runs before the release hook or not
// at all.
func (s *Supervisor) whileLive(messageID string, fn func(messageID string)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMessage[messageID]; !ok {
		return false
	}
	fn(messageID)
	return true
}

// Tasks returns the live tasks in no particular order.
func (s *Supervisor) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.live))
	for t := range s.live {
		out = append(out, t)
	}
	return out
}

// Wait blocks until every task started so far has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new tasks, cancels the running ones and waits for them
// to finalize or for ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) index(t *Task, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[t]; ok {
		s.byMessage[messageID] = t
	}
}

func (s *Supervisor) release(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, t)
	if id := t.MessageID(); id != "" {
		delete(s.byMessage, id)
		if s.onRelease != nil {
			s.onRelease(id)
		}
	}
}
