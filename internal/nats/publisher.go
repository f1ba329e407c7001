package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes generation tasks and usage events to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// TaskSubject is the subject a feature's generation tasks are queued on.
func TaskSubject(feature string) string {
	return SubjectTaskPrefix + "." + feature
}

// PublishGenerationTask queues an AI generation request. The request id doubles as the
// JetStream message id, so a retried publish is not queued twice.
func (p *Publisher) PublishGenerationTask(ctx context.Context, task GenerationTask) error {
	return p.publish(ctx, TaskSubject(task.Feature), task, jetstream.WithMsgID(task.RequestID))
}

// PublishUsageEvent publishes a usage governance event.
func (p *Publisher) PublishUsageEvent(ctx context.Context, event UsageEvent) error {
	return p.publish(ctx, SubjectUsageEvent, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	if _, err := p.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
