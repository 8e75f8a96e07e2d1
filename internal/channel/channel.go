// Package channel defines the bounded-queue abstraction between a broker
// client and the MessagePump.
package channel

import (
	"context"
	"time"

	"github.com/preardon/brighter-go/internal/message"
)

// Channel is a broker-agnostic, reorder-free, at-least-once queue.
//
// FIFO is guaranteed within a single channel for non-requeued messages;
// requeued messages join at the tail unless a broker-specific priority is
// supplied. Implementations must be safe for use by a single MessagePump
// goroutine calling Receive/Acknowledge/Requeue/Reject sequentially.
type Channel interface {
	// Receive blocks up to timeout for the next message. On an empty
	// channel it returns message.Empty (the MT_NONE sentinel), never an error.
	Receive(ctx context.Context, timeout time.Duration) (message.Message, error)

	// Acknowledge removes m from the in-flight set. Idempotent for the
	// same delivery.
	Acknowledge(ctx context.Context, m message.Message) error

	// Requeue returns m to the channel, visible again after delay (0 = immediate).
	// Callers are responsible for bumping x-handled-count before calling this;
	// Requeue itself does not mutate headers.
	Requeue(ctx context.Context, m message.Message, delay time.Duration) error

	// Reject moves m to the poison/dead-letter destination. Does not requeue.
	Reject(ctx context.Context, m message.Message) error

	// Dispose releases broker resources (connections, subscriptions).
	Dispose() error

	// Name identifies the channel for logging/metrics.
	Name() string
}
