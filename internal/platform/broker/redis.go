package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker carries the jobs protocol over Redis pub/sub. Used for local
// development and bench setups where no MQTT broker is available.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	pubsub []*redis.PubSub
	wg     sync.WaitGroup
}

func NewRedisBroker(rdb *redis.Client, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, filter string, h Handler) error {
	pattern := FilterToPattern(filter)
	ps := b.rdb.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.pubsub = append(b.pubsub, ps)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			h(ctx, msg.Channel, []byte(msg.Payload))
		}
	}()
	b.logger.Info("subscribed", "filter", filter, "pattern", pattern)
	return nil
}

func (b *RedisBroker) IsConnected() bool {
	return b.rdb.Ping(context.Background()).Err() == nil
}

// Close stops every subscription and waits for in-flight handlers.
// The Redis client itself is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	subs := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}

// FilterToPattern converts an MQTT topic filter into a Redis glob pattern.
// Glob metacharacters in literal levels are escaped. "+" becomes "*", which
// unlike MQTT also matches across levels.
func FilterToPattern(filter string) string {
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch level {
		case "#":
			if i == len(levels)-1 {
				if i == 0 {
					return "*"
				}
				return strings.Join(levels[:i], "/") + "/*"
			}
			levels[i] = "*"
		case "+":
			levels[i] = "*"
		default:
			levels[i] = escapeGlob(level)
		}
	}
	return strings.Join(levels, "/")
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
