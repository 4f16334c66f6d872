// README: Domain event publishing (Kafka via sarama); failures are logged, never returned to the core.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"foodrelay/internal/types"
)

type Type string

const (
	OrderAssigned  Type = "order.assigned"
	OrderDelivered Type = "order.delivered"
	OrderCancelled Type = "order.cancelled"
	OrderFlagged   Type = "order.flagged"
)

type Event struct {
	Type      Type              `json:"type"`
	OrderID   types.ID          `json:"order_id"`
	CourierID types.ID          `json:"courier_id,omitempty"`
	At        time.Time         `json:"at"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Publisher is fire-and-forget: implementations log delivery failures.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      logrus.FieldLogger
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log logrus.FieldLogger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

func (p *KafkaPublisher) Publish(_ context.Context, e Event) {
	fields := logrus.Fields{"event": e.Type, "order_id": e.OrderID}
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.WithFields(fields).WithError(err).Error("encode event")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(e.OrderID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.WithFields(fields).WithError(err).Warn("publish event")
		return
	}
	p.log.WithFields(fields).WithFields(logrus.Fields{
		"partition": partition,
		"offset":    offset,
	}).Debug("event published")
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
