package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces the Redis channels events are published on.
const DefaultChannelPrefix = "localchat"

const (
	defaultPublishQueue   = 256
	defaultPublishTimeout = 2 * time.Second
)

var (
	ErrPublishQueueFull = errors.New("redis publish queue is full")
	ErrPublisherClosed  = errors.New("redis publisher is closed")
)

// Publisher is the subset of *redis.Client used by RedisPublisher.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOptions tunes a RedisPublisher. Zero values pick the defaults.
type RedisOptions struct {
	// Prefix namespaces channels. Defaults to DefaultChannelPrefix.
	Prefix string
	// QueueSize bounds the events waiting to be published.
	QueueSize int
	// PublishTimeout bounds one PUBLISH round trip.
	PublishTimeout time.Duration
}

// RedisPublisher mirrors lifecycle events onto Redis Pub/Sub so other
// processes can follow a conversation. Each conversation gets its own
// channel: "<prefix>:<conversationId>".
//
// Emit only enqueues; a single goroutine publishes in order, so a slow
// Redis never stalls the session that produced the event.
type RedisPublisher struct {
	client  Publisher
	prefix  string
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRedisPublisher returns a publisher using the given client with the
// default queue settings.
func NewRedisPublisher(client Publisher, prefix string) *RedisPublisher {
	return NewRedisPublisherWithOptions(client, RedisOptions{Prefix: prefix})
}

// NewRedisPublisherWithOptions starts the publishing goroutine. Call Close
// to drain it.
func NewRedisPublisherWithOptions(client Publisher, opts RedisOptions) *RedisPublisher {
	if opts.Prefix == "" {
		opts.Prefix = DefaultChannelPrefix
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultPublishQueue
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	p := &RedisPublisher{
		client:  client,
		prefix:  opts.Prefix,
		timeout: opts.PublishTimeout,
		queue:   make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Channel returns the channel an event is published on.
func (p *RedisPublisher) Channel(event Event) string {
	return p.prefix + ":" + event.ConversationID
}

// Emit queues the event for publishing. A full queue drops the event.
func (p *RedisPublisher) Emit(_ context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
		logger.Warn("dropping event, redis publish queue full",
			"conversationId", event.ConversationID, "messageId", event.MessageID, "type", string(event.Type))
		return ErrPublishQueueFull
	}
}

// Close stops accepting events and waits until the queued ones are
// published or ctx is done.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		if err := p.publish(event); err != nil {
			logger.Warn("redis publish failed",
				"conversationId", event.ConversationID, "messageId", event.MessageID, "error", err)
		}
	}
}

func (p *RedisPublisher) publish(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(event), payload).Err(); err != nil {
		return fmt.Errorf("publish %s to redis: %w", event.Type, err)
	}
	return nil
}
