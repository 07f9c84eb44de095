package fanout

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Redis uses Redis pub/sub, so producers and the worker may live in
// different processes.
type Redis struct {
	client  *redis.Client
	owned   bool
	dropped atomic.Uint64
}

// NewRedis wraps a client. When owned is true Close also closes the client.
func NewRedis(client *redis.Client, owned bool) *Redis {
	return &Redis{client: client, owned: owned}
}

func (r *Redis) Publish(ctx context.Context, channel, msg string) error {
	if err := r.client.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("fanout: subscribe %s: %w", channel, err)
	}
	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					r.dropped.Add(1)
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

func (r *Redis) Dropped() uint64 {
	return r.dropped.Load()
}
