package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/models"
)

// Event announces that a Telegram identity was obtained for a session
type Event struct {
	SessionID string                  `json:"sessionId"`
	Identity  models.TelegramIdentity `json:"identity"`
}

// Handler receives identity events for one session
type Handler func(Event)

// Bus delivers identity events to the session they belong to. A subscription
// is scoped to one session and ends when the returned unsubscribe is called.
// Publish returns after subscribers in the calling process have run.
type Bus interface {
	Subscribe(ctx context.Context, sessionID string, handler Handler) (unsubscribe func(), err error)
	Publish(ctx context.Context, event Event) error
}

// MemoryBus is a Bus for a single process
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[uint64]Handler)}
}

// Subscribe implements Bus
func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[uint64]Handler)
	}
	b.subs[sessionID][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
		})
	}, nil
}

// Publish implements Bus. Handlers run synchronously, outside the bus lock.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.SessionID]))
	for _, h := range b.subs[event.SessionID] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// RedisBus is a Bus over Redis pub/sub, for running several API replicas.
// The Login widget callback may land on a different replica than the one
// holding the session. Each process holds one pattern subscription and
// dispatches to its local subscribers, so Subscribe never opens a
// connection. Events published on this replica reach local subscribers
// before Publish returns.
type RedisBus struct {
	client *redis.Client
	prefix string
	origin string
	local  *MemoryBus

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// redisEnvelope is the wire form of an event on the Redis channel
type redisEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRedisBus creates a Redis-backed bus. Call Start before serving.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: "tokengate:identity:",
		origin: uuid.New().String(),
		local:  NewMemoryBus(),
	}
}

func (b *RedisBus) channel(sessionID string) string {
	return b.prefix + sessionID
}

// Start subscribes to the identity channels of every session. It returns
// once Redis confirmed the subscription.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.dispatch(pubsub.Channel(), b.done, logging.FromContext(ctx))
	return nil
}

func (b *RedisBus) dispatch(messages <-chan *redis.Message, done chan struct{}, logger *logging.Logger) {
	defer close(done)
	for msg := range messages {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.WithError(err).Warn("dropping malformed identity event")
			continue
		}
		if env.Origin == b.origin || msg.Channel != b.channel(env.Event.SessionID) {
			continue
		}
		_ = b.local.Publish(context.Background(), env.Event)
	}
}

// Close ends the subscription started by Start
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub, b.done = nil, nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

// Subscribe implements Bus. Events from other replicas arrive only after Start.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string, handler Handler) (func(), error) {
	return b.local.Subscribe(ctx, sessionID, handler)
}

// Publish implements Bus
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(redisEnvelope{Origin: b.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal identity event: %w", err)
	}
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(event.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish identity event: %w", err)
	}
	return nil
}
