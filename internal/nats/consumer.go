package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerSpec describes a durable pull consumer.
type ConsumerSpec struct {
	Stream     string
	Durable    string
	Subject    string
	AckWait    time.Duration
	MaxDeliver int
}

// AuditConsumerSpec is the durable consumer that persists usage events.
func AuditConsumerSpec(maxDeliver int) ConsumerSpec {
	return ConsumerSpec{
		Stream:     StreamEvents,
		Durable:    "usage-audit-persister",
		Subject:    SubjectUsageEvent,
		AckWait:    30 * time.Second,
		MaxDeliver: maxDeliver,
	}
}

func (s ConsumerSpec) config() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       s.Durable,
		FilterSubject: s.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       s.AckWait,
		MaxDeliver:    s.MaxDeliver,
	}
}

// ConsumerManager creates or updates durable consumers.
type ConsumerManager struct {
	js jetstream.JetStream
}

func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates spec's consumer, or updates it when its settings changed.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, spec ConsumerSpec) (jetstream.Consumer, error) {
	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, spec.Stream, spec.config())
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", spec.Durable, spec.Stream, err)
	}
	return consumer, nil
}
