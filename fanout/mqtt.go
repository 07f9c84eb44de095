package fanout

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions describes the broker connection.
type MQTTOptions struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// MQTT publishes spot records to a broker under "<prefix>/<channel>".
//
// Thread Safety:
//   - paho invokes message handlers on its own goroutines
//   - subscriber queues are buffered and fed with non-blocking sends
//   - subscriptions are replayed from onConnect after an auto-reconnect
type MQTT struct {
	opts    MQTTOptions
	client  mqtt.Client
	logger  *log.Logger
	dropped atomic.Uint64

	mu   sync.Mutex
	subs map[string]*mqttSub
}

type mqttSub struct {
	topic string
	out   chan string
	done  atomic.Bool
	mu    sync.Mutex
}

// DialMQTT connects to the broker and blocks until the session is up.
func DialMQTT(opts MQTTOptions, logger *log.Logger) (*MQTT, error) {
	m := &MQTT{opts: opts, logger: logger, subs: make(map[string]*mqttSub)}

	clientOpts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port)
	clientOpts.AddBroker(brokerURL)
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = fmt.Sprintf("hfpredict-%d", time.Now().Unix())
	}
	clientOpts.SetClientID(clientID)
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)
	clientOpts.SetConnectTimeout(10 * time.Second)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(1 * time.Minute)
	clientOpts.SetOnConnectHandler(m.onConnect)
	clientOpts.SetConnectionLostHandler(m.onConnectionLost)

	m.client = mqtt.NewClient(clientOpts)
	m.logf("fanout: connecting to MQTT broker at %s", brokerURL)
	token := m.client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("fanout: mqtt connect %s: %w", brokerURL, token.Error())
	}
	return m, nil
}

func (m *MQTT) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (m *MQTT) topic(channel string) string {
	prefix := strings.Trim(strings.TrimSpace(m.opts.TopicPrefix), "/")
	if prefix == "" {
		return channel
	}
	return prefix + "/" + channel
}

func (m *MQTT) Publish(ctx context.Context, channel, msg string) error {
	token := m.client.Publish(m.topic(channel), m.opts.QoS, false, msg)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("fanout: mqtt publish %s: %w", channel, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := &mqttSub{topic: m.topic(channel), out: make(chan string, subscriberBuffer)}
	m.mu.Lock()
	if _, exists := m.subs[sub.topic]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("fanout: already subscribed to %s", sub.topic)
	}
	m.subs[sub.topic] = sub
	m.mu.Unlock()

	token := m.client.Subscribe(sub.topic, m.opts.QoS, m.handlerFor(sub))
	if token.Wait() && token.Error() != nil {
		m.removeSub(sub)
		return nil, fmt.Errorf("fanout: mqtt subscribe %s: %w", sub.topic, token.Error())
	}
	go func() {
		<-ctx.Done()
		m.client.Unsubscribe(sub.topic)
		m.removeSub(sub)
	}()
	return sub.out, nil
}

func (m *MQTT) removeSub(sub *mqttSub) {
	m.mu.Lock()
	if m.subs[sub.topic] == sub {
		delete(m.subs, sub.topic)
	}
	m.mu.Unlock()
	sub.close()
}

func (s *mqttSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.CompareAndSwap(false, true) {
		close(s.out)
	}
}

// deliver drops the payload when the subscriber queue is full.
func (s *mqttSub) deliver(payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done.Load() {
		return true
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

func (m *MQTT) handlerFor(sub *mqttSub) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if !sub.deliver(string(msg.Payload())) {
			m.dropped.Add(1)
		}
	}
}

func (m *MQTT) onConnect(client mqtt.Client) {
	m.mu.Lock()
	subs := make([]*mqttSub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	m.logf("fanout: MQTT connected, restoring %d subscription(s)", len(subs))
	for _, sub := range subs {
		token := client.Subscribe(sub.topic, m.opts.QoS, m.handlerFor(sub))
		if token.Wait() && token.Error() != nil {
			m.logf("fanout: MQTT resubscribe %s failed: %v", sub.topic, token.Error())
		}
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.logf("fanout: MQTT connection lost: %v (auto-reconnect)", err)
}

// Close disconnects, waiting up to 250ms for in-flight messages.
func (m *MQTT) Close() error {
	m.mu.Lock()
	subs := make([]*mqttSub, 0, len(m.subs))
	for topic, sub := range m.subs {
		subs = append(subs, sub)
		delete(m.subs, topic)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

func (m *MQTT) Dropped() uint64 {
	return m.dropped.Load()
}
