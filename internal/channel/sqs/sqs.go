// Package sqs adapts an AWS SQS queue to the channel.Channel interface.
//
// Requeue is implemented via ChangeMessageVisibility: setting the visibility
// timeout to the requested delay makes the message reappear on the queue
// without a network round-trip to re-publish it. Reject deletes the message
// outright (SQS has no native poison-queue move without a redrive policy,
// which is configured out-of-band on the queue itself).
package sqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"github.com/preardon/brighter-go/internal/channel"
	"github.com/preardon/brighter-go/internal/mapper"
	"github.com/preardon/brighter-go/internal/message"
)

// MaxVisibilitySeconds is the SQS-imposed ceiling on visibility timeout.
const MaxVisibilitySeconds = 43200

// ClientAPI is the subset of the SQS SDK client this package depends on,
// narrowed for testability.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config configures a Channel backed by one SQS queue.
type Config struct {
	QueueURL            string
	WaitTimeSeconds      int32 // long-poll duration, SQS max 20
	VisibilityTimeout    int32
	MaxNumberOfMessages  int32 // SQS max 10 per ReceiveMessage call
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WaitTimeSeconds == 0 {
		out.WaitTimeSeconds = 20
	}
	if out.VisibilityTimeout == 0 {
		out.VisibilityTimeout = 120
	}
	if out.MaxNumberOfMessages == 0 {
		out.MaxNumberOfMessages = 10
	}
	return out
}

// Channel adapts one SQS queue to channel.Channel. It keeps an internal
// prefetch buffer so Receive(timeout) can honor short pump timeouts without
// issuing a long-poll ReceiveMessage call per invocation.
type Channel struct {
	client ClientAPI
	cfg    Config
	name   string
	unwrap *mapper.Pipeline

	mu       sync.Mutex
	buffered []sqsDelivery
	receipts map[string]string // MessageId string -> receipt handle
}

type sqsDelivery struct {
	msg           message.Message
	receiptHandle string
}

var _ channel.Channel = (*Channel)(nil)

// New creates a Channel for the given queue.
func New(client ClientAPI, name string, cfg Config, unwrap *mapper.Pipeline) *Channel {
	return &Channel{
		client:   client,
		cfg:      cfg.withDefaults(),
		name:     name,
		unwrap:   unwrap,
		receipts: make(map[string]string),
	}
}

// Name returns the channel's identifier.
func (c *Channel) Name() string { return c.name }

// Receive returns the next buffered delivery, or polls SQS for more, bounded
// by timeout. Returns message.Empty on no data within timeout.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	if d, ok := c.popBuffered(); ok {
		return d, nil
	}

	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.client.ReceiveMessage(recvCtx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:   c.cfg.MaxNumberOfMessages,
		WaitTimeSeconds:       c.cfg.WaitTimeSeconds,
		VisibilityTimeout:     c.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		if recvCtx.Err() != nil {
			return message.Empty, nil
		}
		return message.Empty, fmt.Errorf("sqs receive: %w", err)
	}

	if len(out.Messages) == 0 {
		return message.Empty, nil
	}

	for _, raw := range out.Messages {
		m, decodeErr := c.decode(raw)
		if decodeErr != nil {
			log.Warn().Err(decodeErr).Str("channel", c.name).Msg("sqs message failed to decode, marking unacceptable")
			m.Header.MessageType = message.MTUnacceptable
		}
		c.bufferReceipt(m, aws.ToString(raw.ReceiptHandle))
	}

	d, _ := c.popBuffered()
	return d, nil
}

func (c *Channel) decode(raw types.Message) (message.Message, error) {
	m, err := mapper.DecodeJSON([]byte(aws.ToString(raw.Body)))
	if err != nil {
		return message.Message{}, err
	}
	if c.unwrap != nil {
		return c.unwrap.Unwrap(m)
	}
	return m, nil
}

func (c *Channel) bufferReceipt(m message.Message, receiptHandle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = append(c.buffered, sqsDelivery{msg: m, receiptHandle: receiptHandle})
}

func (c *Channel) popBuffered() (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) == 0 {
		return message.Message{}, false
	}
	d := c.buffered[0]
	c.buffered = c.buffered[1:]
	c.receipts[d.msg.Header.MessageId.String()] = d.receiptHandle
	return d.msg, true
}

// Acknowledge deletes the message from the queue.
func (c *Channel) Acknowledge(ctx context.Context, m message.Message) error {
	handle := c.takeReceipt(m)
	if handle == "" {
		return nil
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete on ack: %w", err)
	}
	return nil
}

// Requeue sets the visibility timeout to delay, making the message
// immediately redeliverable once it elapses (0 means "visible now").
func (c *Channel) Requeue(ctx context.Context, m message.Message, delay time.Duration) error {
	handle := c.peekReceipt(m)
	if handle == "" {
		return nil
	}
	seconds := int32(delay.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility on requeue: %w", err)
	}
	c.forgetReceipt(m)
	return nil
}

// Reject deletes the message outright; a redrive policy on the SQS queue
// (configured out-of-band) is what routes it to a dead-letter queue.
func (c *Channel) Reject(ctx context.Context, m message.Message) error {
	return c.Acknowledge(ctx, m)
}

// Dispose is a no-op: the SDK client owns no per-channel resources to release.
func (c *Channel) Dispose() error { return nil }

func (c *Channel) takeReceipt(m message.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := m.Header.MessageId.String()
	h := c.receipts[id]
	delete(c.receipts, id)
	return h
}

func (c *Channel) peekReceipt(m message.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[m.Header.MessageId.String()]
}

func (c *Channel) forgetReceipt(m message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receipts, m.Header.MessageId.String())
}
