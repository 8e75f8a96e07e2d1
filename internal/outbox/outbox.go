// Package outbox implements the transactional outbox pattern: a durable
// staging table for outbound messages, written in the same database
// transaction as the business change that produced them, and later swept by
// internal/sweeper for delivery to a broker.
package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/preardon/brighter-go/internal/message"
)

// Row mirrors Header+Body plus DispatchedAt. Lifecycle: created by Add,
// transitioned by MarkDispatched, removed by Delete.
type Row struct {
	Header      message.Header
	Body        message.Body
	DispatchedAt *time.Time
}

// Outstanding reports whether the row has not yet been dispatched.
func (r Row) Outstanding() bool { return r.DispatchedAt == nil }

// TxProvider supplies the connection and optional transaction a Store call
// should execute against. The store never commits or rolls back the
// returned transaction — that is the caller's responsibility. Queried once
// per call since the provider's underlying connection may change between
// calls.
type TxProvider interface {
	// Tx returns the active transaction for this call, or nil if the store
	// should use its own connection/transaction.
	Tx(ctx context.Context) (*sql.Tx, error)
}

// NoTx is a TxProvider that always asks the store to use its own
// connection, for callers outside any ambient transaction.
type NoTx struct{}

// Tx always returns (nil, nil): the store owns the connection for the call.
func (NoTx) Tx(context.Context) (*sql.Tx, error) { return nil, nil }

// Store is the relational outbox's public contract. Every Store
// implementation must satisfy invariants 2-5 and 7 (see package outbox's
// tests): idempotent Add, idempotent MarkDispatched, age-filtered
// OutstandingMessages/DispatchedMessages queries, and stable pagination.
type Store interface {
	// Add inserts one message. A duplicate MessageId is swallowed with a
	// warning log and treated as success.
	Add(ctx context.Context, tx TxProvider, m message.Message) error
	// AddBatch inserts messages in one statement. Atomicity follows the
	// caller's transaction; duplicates anywhere in the batch are logged and
	// swallowed without failing the whole batch.
	AddBatch(ctx context.Context, tx TxProvider, msgs []message.Message) error

	// Get returns the row for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Row, error)
	// GetBatch returns the subset of ids that exist, ordered to match the
	// input id sequence.
	GetBatch(ctx context.Context, ids []string) ([]Row, error)
	// GetPage returns a stable page ordered by TimeStamp ASC, MessageId ASC.
	// pageNumber is 1-based.
	GetPage(ctx context.Context, pageSize, pageNumber int) ([]Row, error)

	// OutstandingMessages returns undispatched rows at least sinceMs old,
	// paginated the same way as GetPage.
	OutstandingMessages(ctx context.Context, sinceMs int64, pageSize, pageNumber int) ([]Row, error)
	// DispatchedMessages returns rows dispatched within the last sinceMs.
	DispatchedMessages(ctx context.Context, sinceMs int64, pageSize, pageNumber int) ([]Row, error)

	// MarkDispatched sets DispatchedAt for id. Idempotent: a second call is
	// a no-op; the first call's timestamp wins.
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	// MarkDispatchedBatch sets DispatchedAt for all of ids in one statement.
	MarkDispatchedBatch(ctx context.Context, ids []string, at time.Time) error

	// Delete administratively purges rows. No-op on empty input.
	Delete(ctx context.Context, ids []string) error

	// GetNumberOfOutstandingMessages returns the scalar count of
	// undispatched rows.
	GetNumberOfOutstandingMessages(ctx context.Context) (int, error)
}

// ClaimingStore is an optional capability a Store may implement: an atomic
// fetch-and-lock of outstanding rows, so two sweeper instances racing the
// same table never both dispatch the same row. A Store that has no
// row-level locking equivalent (the mongostore backend) simply doesn't
// implement this; internal/sweeper falls back to plain OutstandingMessages
// and relies on Redis leader election alone for exclusivity in that case.
type ClaimingStore interface {
	Store

	// ClaimOutstanding opens a transaction, selects up to limit outstanding
	// rows at least sinceMs old using the dialect's row-locking SELECT (e.g.
	// Postgres's FOR UPDATE SKIP LOCKED), and returns them together with a
	// done func. The caller must call done exactly once with the subset of
	// MessageIds it actually dispatched; done marks those dispatched and
	// commits, releasing the row locks, regardless of whether dispatchedIds
	// is empty (rows it couldn't dispatch simply stay outstanding and
	// unlocked for the next sweep).
	ClaimOutstanding(ctx context.Context, sinceMs int64, limit int) (rows []Row, done func(dispatchedIds []string) error, err error)
}

// ErrNotFound marks a Get(id) call for a MessageId that does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "outbox: message not found" }
