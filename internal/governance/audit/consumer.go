package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/careerfolio/portal/internal/nats"
)

// Inserter persists audit entries.
type Inserter interface {
	Insert(ctx context.Context, log *AuditLog) error
}

// Consumer listens on the usage event NATS subject and persists entries to the database.
type Consumer struct {
	repo        Inserter
	consumerMgr *inats.ConsumerManager
	spec        inats.ConsumerSpec
}

// NewConsumer creates a new usage event Consumer.
func NewConsumer(repo Inserter, consumerMgr *inats.ConsumerManager, spec inats.ConsumerSpec) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
		spec:        spec,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, c.spec)
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", c.spec.Durable, "max_deliver", c.spec.MaxDeliver)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// message is the subset of jetstream.Msg the consumer needs.
type message interface {
	Data() []byte
	Ack() error
	Nak() error
}

func (c *Consumer) handleEvent(ctx context.Context, msg message) {
	var event inats.UsageEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("audit consumer: unmarshaling event", "error", err)
		// Drop malformed payloads instead of redelivering them.
		_ = msg.Ack()
		return
	}

	log := EventToLog(event)
	if err := c.repo.Insert(ctx, log); err != nil {
		slog.Error("audit consumer: persisting audit log", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"user_id", event.UserID,
		"resource_id", event.ResourceID,
	)
}

// EventToLog converts a usage event into an audit row. Non-UUID resource IDs are dropped.
func EventToLog(event inats.UsageEvent) *AuditLog {
	log := &AuditLog{
		ID:        uuid.New(),
		UserID:    event.UserID,
		EventType: event.EventType,
		Severity:  event.Severity,
		Feature:   event.Feature,
		CreatedAt: event.Timestamp,
	}
	if log.Severity == "" {
		log.Severity = "info"
	}

	if event.ResourceID != "" {
		if parsed, err := uuid.Parse(event.ResourceID); err == nil && parsed != uuid.Nil {
			log.ResourceID = &parsed
		}
	}

	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	if data, err := json.Marshal(details); err == nil {
		log.Details = data
	}

	return log
}
