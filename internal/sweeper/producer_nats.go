package sweeper

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/preardon/brighter-go/internal/mapper"
	"github.com/preardon/brighter-go/internal/message"
)

// NATSProducer publishes outbox rows to a JetStream stream, using topic as
// the subject. PublishBatch loops over Publish individually: JetStream
// has no native multi-message publish, so there is no partial-batch
// response to interpret — any single failure aborts the remaining sends and
// the sweeper's bulk fallback takes over per-message.
type NATSProducer struct {
	js jetstream.JetStream
}

var _ Producer = (*NATSProducer)(nil)

// NewNATSProducer builds a Producer over an already-connected JetStream context.
func NewNATSProducer(js jetstream.JetStream) *NATSProducer {
	return &NATSProducer{js: js}
}

// Publish sends one message to subject.
func (p *NATSProducer) Publish(ctx context.Context, topic string, m message.Message) error {
	body, err := mapper.EncodeJSON(m)
	if err != nil {
		return fmt.Errorf("nats publish encode: %w", err)
	}
	if _, err := p.js.Publish(ctx, topic, body); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// PublishBatch sends each message to subject in turn, stopping at the first error.
func (p *NATSProducer) PublishBatch(ctx context.Context, topic string, msgs []message.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}
