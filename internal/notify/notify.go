// Package notify delivers per-workspace push notifications (SLA warnings,
// breaches, batched SLA updates, task changes).
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/model"
)

// Notifier publishes notifications to a workspace's push channel.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// New builds a Notification stamped with the current time.
func New(typ, workspaceID string, payload any) model.Notification {
	return model.Notification{
		Type:        typ,
		WorkspaceID: workspaceID,
		Payload:     payload,
		EmittedAt:   time.Now().UTC(),
	}
}

// --- Bus ---

// Bus is an in-process fan-out of notifications to subscribers of a
// workspace. Slow subscribers lose messages rather than block publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan model.Notification
	nextID int
	buffer int
	logger *zap.Logger
}

// NewBus creates a Bus whose subscriber channels hold up to buffer messages.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]map[int]chan model.Notification),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscriber for a workspace. The returned cancel
// function unregisters it and closes the channel.
func (b *Bus) Subscribe(workspaceID string) (<-chan model.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.Notification, b.buffer)
	if b.subs[workspaceID] == nil {
		b.subs[workspaceID] = make(map[int]chan model.Notification)
	}
	b.subs[workspaceID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[workspaceID], id)
			if len(b.subs[workspaceID]) == 0 {
				delete(b.subs, workspaceID)
			}
			close(ch)
		})
	}
}

// Notify delivers n to every current subscriber of its workspace.
func (b *Bus) Notify(_ context.Context, n model.Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[n.WorkspaceID] {
		select {
		case ch <- n:
		default:
			b.logger.Warn("notification dropped for slow subscriber",
				zap.String("workspace_id", n.WorkspaceID),
				zap.String("type", n.Type),
			)
		}
	}
	return nil
}

// Subscribers returns the number of subscribers for a workspace.
func (b *Bus) Subscribers(workspaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[workspaceID])
}

// HealthCheck always succeeds for the in-process bus.
func (b *Bus) HealthCheck(context.Context) error {
	return nil
}

// --- RedisPublisher ---

// RedisPublisher publishes notifications as JSON on a Redis pub/sub channel
// per workspace, named prefix + workspace ID.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher creates a Redis-backed Notifier.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the Redis channel for a workspace.
func (p *RedisPublisher) Channel(workspaceID string) string {
	return p.prefix + workspaceID
}

// Notify publishes n on the workspace channel.
func (p *RedisPublisher) Notify(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(n.WorkspaceID), data).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", p.Channel(n.WorkspaceID), err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// --- Tee ---

type tee []Notifier

// Tee returns a Notifier that delivers to every given notifier and joins
// their errors.
func Tee(notifiers ...Notifier) Notifier {
	return tee(notifiers)
}

func (t tee) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, nt := range t {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
