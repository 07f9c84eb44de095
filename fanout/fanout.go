// Package fanout carries spot records from feed clients to the predictor
// worker. Delivery is fire-and-forget: a subscriber that is not keeping up
// loses messages rather than stalling producers.
package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	BackendRedis  = "redis"
	BackendMQTT   = "mqtt"
	BackendMemory = "memory"
)

// subscriberBuffer is the per-subscription queue depth.
const subscriberBuffer = 1024

// Publisher sends one message on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel, msg string) error
}

// Subscriber delivers messages on a named channel until ctx is done, then
// closes the returned channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
}

// Bus is a Publisher and Subscriber that owns its connection.
type Bus interface {
	Publisher
	Subscriber
	Close() error
	Dropped() uint64
}

// Memory is an in-process broadcaster.
type Memory struct {
	mu      sync.RWMutex
	subs    map[string]map[chan string]struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan string]struct{})}
}

func (m *Memory) Publish(_ context.Context, channel, msg string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("fanout: publish on closed bus")
	}
	for ch := range m.subs[channel] {
		select {
		case ch <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("fanout: empty channel name")
	}
	ch := make(chan string, subscriberBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("fanout: subscribe on closed bus")
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[chan string]struct{})
	}
	m.subs[channel][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[channel][ch]; ok {
			delete(m.subs[channel], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close ends every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for name, set := range m.subs {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, name)
	}
	return nil
}

func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}
