// Package dialect provides the SQL capability object the outbox store
// composes against, so one store implementation serves every backing
// relational database without a type-switch or an inheritance hierarchy
// (Postgres, MySQL). A non-relational supplemental store lives separately
// in internal/outbox/mongostore, since it implements outbox.Store directly
// rather than this SQL-shaped interface.
package dialect

import (
	"time"

	"github.com/preardon/brighter-go/internal/message"
)

// Row is the flat, dialect-independent input InsertOne and InsertBatch turn
// into INSERT arguments.
type Row struct {
	Header       message.Header
	Body         message.Body
	DispatchedAt *time.Time
}

// Dialect supplies every piece of SQL and parameter-shaping logic that
// varies by backing database. The store (internal/outbox/sql.go) holds one
// of these and never branches on database kind itself.
type Dialect interface {
	// Name identifies the dialect for logging (e.g. "postgres", "mysql").
	Name() string

	// InsertOne returns the parameterized INSERT and its positional args for
	// one row, in the dialect's duplicate-skipping form (ON CONFLICT DO
	// NOTHING, INSERT IGNORE) so a duplicate MessageId is a no-op rather than
	// an error.
	InsertOne(table string, r Row) (query string, args []any)

	// InsertBatch returns a single multi-row INSERT for rows, with the same
	// idempotent-on-duplicate behavior as InsertOne.
	InsertBatch(table string, rows []Row) (query string, args []any)

	// SelectByID returns the parameterized SELECT for one row by MessageId.
	SelectByID(table string, id string) (query string, args []any)

	// SelectByIDs returns the parameterized SELECT for a set of ids, using
	// an IN (...) clause sized to len(ids).
	SelectByIDs(table string, ids []string) (query string, args []any)

	// SelectPage returns the parameterized, stably-ordered
	// (TimeStamp ASC, MessageId ASC) paginated SELECT.
	SelectPage(table string, pageSize, offset int) (query string, args []any)

	// SelectOutstanding returns the parameterized SELECT for undispatched
	// rows at least sinceMs old, stably ordered and paginated.
	SelectOutstanding(table string, sinceMs int64, pageSize, offset int) (query string, args []any)

	// SelectDispatched returns the parameterized SELECT for rows dispatched
	// within the last sinceMs.
	SelectDispatched(table string, sinceMs int64, pageSize, offset int) (query string, args []any)

	// MarkDispatched returns the parameterized UPDATE for a single id. The
	// WHERE clause must exclude already-dispatched rows so the first call
	// wins the DispatchedAt value (idempotent, first-call-wins).
	MarkDispatched(table string, id string, at time.Time) (query string, args []any)

	// MarkDispatchedBatch returns the parameterized UPDATE for a batch of
	// ids, same first-call-wins semantics as MarkDispatched.
	MarkDispatchedBatch(table string, ids []string, at time.Time) (query string, args []any)

	// Delete returns the parameterized DELETE for a set of ids.
	Delete(table string, ids []string) (query string, args []any)

	// CountOutstanding returns the parameterized scalar-count SELECT.
	CountOutstanding(table string) (query string, args []any)

	// IsDuplicateKeyError reports whether err is the dialect's
	// duplicate-primary-key error, so the store can swallow it instead of
	// surfacing it to the caller.
	IsDuplicateKeyError(err error) bool
}
