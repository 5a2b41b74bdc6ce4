// Package pubsub is the in-process notification bus for price, trend and collection
// updates. Transports (Kafka, SSE) attach as forwarders or subscribers.
package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
)

type Topic string

const (
	TopicPriceUpdate       Topic = "PRICE_UPDATE"
	TopicMarketTrendUpdate Topic = "MARKET_TREND_UPDATE"
	TopicCollectionUpdate  Topic = "COLLECTION_UPDATE"
	TopicPriceAlert        Topic = "PRICE_ALERT_NOTIFICATION"
)

// AllTopics returns every topic the bus accepts
func AllTopics() []Topic {
	return []Topic{TopicPriceUpdate, TopicMarketTrendUpdate, TopicCollectionUpdate, TopicPriceAlert}
}

func ParseTopic(s string) (Topic, bool) {
	for _, t := range AllTopics() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Message is what subscribers receive
type Message struct {
	ID          string    `json:"id"`
	Topic       Topic     `json:"topic"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// Forwarder relays published messages to an external transport.
type Forwarder interface {
	Forward(ctx context.Context, msg Message) error
	Close() error
}

// DefaultBuffer is the subscriber channel size used when Subscribe is given zero.
const DefaultBuffer = 32

type subscriber struct {
	ch chan Message
}

// Bus fans messages out to topic subscribers. Publish never blocks on a slow subscriber.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Topic]map[*subscriber]struct{}
	forwarder Forwarder
	log       *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[Topic]map[*subscriber]struct{}),
		log:  log,
	}
}

// SetForwarder attaches an external transport. Pass nil to detach.
func (b *Bus) SetForwarder(f Forwarder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarder = f
}

// Publish delivers payload to every current subscriber of topic. Subscribers whose buffer
// is full miss the message.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) {
	msg := Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	forwarder := b.forwarder
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			metrics.BusMessagesDropped.WithLabelValues(string(topic)).Inc()
		}
	}
	b.mu.RUnlock()

	metrics.BusMessagesPublished.WithLabelValues(string(topic)).Inc()

	if forwarder != nil {
		if err := forwarder.Forward(ctx, msg); err != nil {
			b.log.Warn("Failed to forward bus message",
				zap.String("topic", string(topic)),
				zap.Error(err))
		}
	}
}

// Subscribe returns a channel of messages for topic and a cancel func that closes it.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscriber{ch: make(chan Message, buffer)}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscriberCount reports how many subscribers a topic has.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close detaches and closes the forwarder.
func (b *Bus) Close() error {
	b.mu.Lock()
	f := b.forwarder
	b.forwarder = nil
	b.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
