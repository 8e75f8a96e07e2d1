// Package nats adapts a NATS JetStream pull consumer to the channel.Channel
// interface, as a second concrete broker binding alongside channel/sqs —
// the Channel abstraction is broker-agnostic by design.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/preardon/brighter-go/internal/channel"
	"github.com/preardon/brighter-go/internal/mapper"
	"github.com/preardon/brighter-go/internal/message"
)

// Channel adapts one JetStream consumer to channel.Channel. Requeue is
// implemented with Nak(delay); Acknowledge with Ack; Reject with Term so the
// message is never redelivered.
type Channel struct {
	consumer jetstream.Consumer
	name     string
	unwrap   *mapper.Pipeline

	inFlight map[string]jetstream.Msg // MessageId string -> raw delivery
}

var _ channel.Channel = (*Channel)(nil)

// New creates a Channel over an already-bound JetStream consumer.
func New(consumer jetstream.Consumer, name string, unwrap *mapper.Pipeline) *Channel {
	return &Channel{
		consumer: consumer,
		name:     name,
		unwrap:   unwrap,
		inFlight: make(map[string]jetstream.Msg),
	}
}

// Name returns the channel's identifier.
func (c *Channel) Name() string { return c.name }

// Receive fetches a single message, bounded by timeout.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	batch, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if fetchCtx.Err() != nil || err == nats.ErrTimeout {
			return message.Empty, nil
		}
		return message.Empty, fmt.Errorf("nats fetch: %w", err)
	}

	for raw := range batch.Messages() {
		m, decodeErr := c.decode(raw)
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("channel", c.name).Msg("nats message failed to decode, marking unacceptable")
			m.Header.MessageType = message.MTUnacceptable
		}
		c.inFlight[m.Header.MessageId.String()] = raw
		return m, batch.Error()
	}

	if err := batch.Error(); err != nil {
		return message.Empty, fmt.Errorf("nats fetch batch: %w", err)
	}
	return message.Empty, nil
}

func (c *Channel) decode(raw jetstream.Msg) (message.Message, error) {
	m, err := mapper.DecodeJSON(raw.Data())
	if err != nil {
		return message.Message{}, err
	}
	if c.unwrap != nil {
		return c.unwrap.Unwrap(m)
	}
	return m, nil
}

// Acknowledge acks the underlying JetStream delivery.
func (c *Channel) Acknowledge(_ context.Context, m message.Message) error {
	raw, ok := c.take(m)
	if !ok {
		return nil
	}
	return raw.Ack()
}

// Requeue naks the delivery with a redelivery delay.
func (c *Channel) Requeue(_ context.Context, m message.Message, delay time.Duration) error {
	raw, ok := c.take(m)
	if !ok {
		return nil
	}
	if delay <= 0 {
		return raw.Nak()
	}
	return raw.NakWithDelay(delay)
}

// Reject terminates the delivery so JetStream never redelivers it.
func (c *Channel) Reject(_ context.Context, m message.Message) error {
	raw, ok := c.take(m)
	if !ok {
		return nil
	}
	return raw.Term()
}

// Dispose is a no-op: the caller owns the JetStream connection lifecycle.
func (c *Channel) Dispose() error { return nil }

func (c *Channel) take(m message.Message) (jetstream.Msg, bool) {
	id := m.Header.MessageId.String()
	raw, ok := c.inFlight[id]
	if ok {
		delete(c.inFlight, id)
	}
	return raw, ok
}
