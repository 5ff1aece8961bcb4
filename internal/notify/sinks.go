package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redis/go-redis/v9"
)

var ErrSubscriberLagging = errors.New("subscriber buffer full, event dropped")

// Broadcaster fans events out to in-process subscribers. A subscriber that
// does not keep up loses events rather than blocking the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

func (b *Broadcaster) Name() string { return "subscribers" }

// Subscribe returns a channel of events and a function that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w (%d subscribers)", ErrSubscriberLagging, dropped)
	}
	return nil
}

// StreamAdder is the part of a redis client the stream sink uses.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

func NewRedisStreamSink(client StreamAdder, stream string) *RedisStreamSink {
	if stream == "" {
		stream = "aqfusion:events"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: 10000}
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":     string(data),
			"pollutant": string(ev.Pollutant),
			"direction": string(ev.Direction),
			"timestamp": ev.EmittedAt.Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Publisher is the part of an MQTT client the broker sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each event to <prefix>/<pollutant>/<cell> with QoS 1.
type MQTTSink struct {
	client  Publisher
	prefix  string
	timeout time.Duration
}

func NewMQTTSink(client Publisher, prefix string) *MQTTSink {
	if prefix == "" {
		prefix = "airquality/alerts"
	}
	return &MQTTSink{client: client, prefix: prefix, timeout: 5 * time.Second}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, ev.Pollutant, ev.Cell)
}

func (s *MQTTSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(ev), 1, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeout):
		return fmt.Errorf("publish to %s: timed out", s.Topic(ev))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.Topic(ev), err)
	}
	return nil
}

// ConnectMQTT dials the broker with auto-reconnect enabled.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}
