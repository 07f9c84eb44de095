package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
)

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return ""
}

func TestMemoryBroadcastsToAllSubscribers(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := bus.Subscribe(ctx, "predict-hf")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b, _ := bus.Subscribe(ctx, "predict-hf")
	other, _ := bus.Subscribe(ctx, "other")

	if err := bus.Publish(ctx, "predict-hf", "rbn|A1A|B2B|14.0|CW|2025-03-14T18:42:07Z"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := recv(t, a); got != "rbn|A1A|B2B|14.0|CW|2025-03-14T18:42:07Z" {
		t.Fatalf("unexpected message %q", got)
	}
	recv(t, b)
	select {
	case msg := <-other:
		t.Fatalf("unexpected cross-channel delivery %q", msg)
	default:
	}
}

func TestMemorySubscriptionClosesOnCancel(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, "predict-hf")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
}

func TestMemoryDropsWhenSubscriberLags(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := bus.Subscribe(ctx, "predict-hf"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < subscriberBuffer+5; i++ {
		_ = bus.Publish(ctx, "predict-hf", "x")
	}
	if got := bus.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped, got %d", got)
	}
	_ = bus.Close()
	if err := bus.Publish(ctx, "predict-hf", "x"); err == nil {
		t.Fatalf("expected publish on closed bus to fail")
	}
}

func TestRedisPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), true)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, "predict-hf")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "predict-hf", "hello"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := recv(t, ch); got != "hello" {
		t.Fatalf("unexpected message %q", got)
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

var _ mqtt.Message = fakeMessage{}

func TestMQTTTopicAndDelivery(t *testing.T) {
	m := &MQTT{opts: MQTTOptions{TopicPrefix: "/hfpredict/"}, subs: map[string]*mqttSub{}}
	if got := m.topic("predict-hf"); got != "hfpredict/predict-hf" {
		t.Fatalf("unexpected topic %q", got)
	}
	m.opts.TopicPrefix = ""
	if got := m.topic("predict-hf"); got != "predict-hf" {
		t.Fatalf("unexpected bare topic %q", got)
	}

	sub := &mqttSub{topic: "predict-hf", out: make(chan string, 1)}
	handler := m.handlerFor(sub)
	handler(nil, fakeMessage{topic: "predict-hf", payload: []byte("one")})
	handler(nil, fakeMessage{topic: "predict-hf", payload: []byte("two")})
	if got := recv(t, sub.out); got != "one" {
		t.Fatalf("unexpected payload %q", got)
	}
	if m.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", m.Dropped())
	}
	sub.close()
	handler(nil, fakeMessage{topic: "predict-hf", payload: []byte("late")})
	if m.Dropped() != 1 {
		t.Fatalf("late delivery after close should be ignored")
	}
}
