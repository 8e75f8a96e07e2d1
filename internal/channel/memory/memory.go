// Package memory provides an in-process Channel implementation, used in
// tests and for local development in place of a real broker.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/preardon/brighter-go/internal/channel"
	"github.com/preardon/brighter-go/internal/message"
)

// Channel is a FIFO, in-memory queue implementing channel.Channel. It has no
// capacity limit: Enqueue always appends to the backing slice.
// Requeued messages are appended to the tail, matching the broker contract.
type Channel struct {
	name string

	mu      sync.Mutex
	queue   []message.Message
	notify  chan struct{}
	inFlight map[string]message.Message // keyed by MessageId string

	rejected []message.Message

	ackCount     int
	requeueCount int

	disposed bool
}

var _ channel.Channel = (*Channel)(nil)

// New creates an empty in-memory channel.
func New(name string) *Channel {
	return &Channel{
		name:     name,
		notify:   make(chan struct{}, 1),
		inFlight: make(map[string]message.Message),
	}
}

// Name returns the channel's identifier.
func (c *Channel) Name() string { return c.name }

// Enqueue adds a message to the tail for a consumer to pick up. Intended for
// test setup and for broker adapters feeding this channel.
func (c *Channel) Enqueue(m message.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, m)
	c.mu.Unlock()
	c.wake()
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Receive blocks up to timeout for the next message, returning message.Empty
// if none arrives in time.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if m, ok := c.dequeue(); ok {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return message.Empty, ctx.Err()
		case <-deadline.C:
			return message.Empty, nil
		case <-c.notify:
			continue
		}
	}
}

func (c *Channel) dequeue() (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return message.Message{}, false
	}

	m := c.queue[0]
	c.queue = c.queue[1:]
	c.inFlight[m.Header.MessageId.String()] = m
	return m, true
}

// Acknowledge removes m from the in-flight set. Idempotent.
func (c *Channel) Acknowledge(_ context.Context, m message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, m.Header.MessageId.String())
	c.ackCount++
	return nil
}

// Requeue returns m to the tail of the queue after delay.
func (c *Channel) Requeue(_ context.Context, m message.Message, delay time.Duration) error {
	c.mu.Lock()
	delete(c.inFlight, m.Header.MessageId.String())
	c.requeueCount++
	c.mu.Unlock()

	if delay <= 0 {
		c.Enqueue(m)
		return nil
	}

	time.AfterFunc(delay, func() {
		c.Enqueue(m)
	})
	return nil
}

// Reject moves m to the poison set; it will not be redelivered.
func (c *Channel) Reject(_ context.Context, m message.Message) error {
	c.mu.Lock()
	delete(c.inFlight, m.Header.MessageId.String())
	c.rejected = append(c.rejected, m)
	c.mu.Unlock()
	log.Debug().
		Str("channel", c.name).
		Str("messageId", m.Header.MessageId.String()).
		Msg("message rejected")
	return nil
}

// Dispose marks the channel closed. Safe to call multiple times.
func (c *Channel) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	return nil
}

// Rejected returns a snapshot of rejected messages, for test assertions.
func (c *Channel) Rejected() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Message, len(c.rejected))
	copy(out, c.rejected)
	return out
}

// Len returns the number of messages currently queued (not in-flight).
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// AckCount returns the number of Acknowledge calls observed, for test assertions.
func (c *Channel) AckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ackCount
}

// RequeueCount returns the number of Requeue calls observed, for test assertions.
func (c *Channel) RequeueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requeueCount
}
