package outbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/outbox/dialect"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	store := NewSQLStore(db, dialect.Postgres{}, "outbox_messages")
	return store, mock, func() { db.Close() }
}

func newTestMessage(topic string) message.Message {
	return message.New(topic, message.MTEvent, message.Body{Value: []byte(`{"x":1}`), ContentType: "application/json"})
}

// S4 / invariant 2 — Add(m); Add(m) leaves exactly one row: the second
// insert's ON CONFLICT DO NOTHING reports zero rows affected, which the
// store logs as a swallowed duplicate rather than an error.
func TestStore_AddIsIdempotentOnDuplicate(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	m := newTestMessage("orders.created")

	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_messages").
		WillReturnResult(sqlmock.NewResult(1, 0))

	require.NoError(t, store.Add(context.Background(), NoTx{}, m))
	require.NoError(t, store.Add(context.Background(), NoTx{}, m))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// Invariant 3 — MarkDispatched(id); MarkDispatched(id) is idempotent: the
// second call's WHERE dispatched_at IS NULL matches zero rows, leaving the
// first call's timestamp as the final state.
func TestStore_MarkDispatchedIsIdempotent(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	at := time.Now().UTC()

	mock.ExpectExec("UPDATE outbox_messages SET dispatched_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_messages SET dispatched_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.MarkDispatched(context.Background(), "abc-123", at))
	require.NoError(t, store.MarkDispatched(context.Background(), "abc-123", at))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// Invariant 4 — OutstandingMessages issues the dialect's outstanding-rows
// query (WHERE dispatched_at IS NULL ...) and maps the returned row; the
// cutoff and pagination args are not matched against the mock.
func TestStore_OutstandingMessagesAgeFilter(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	cols := []string{"message_id", "message_type", "topic", "timestamp", "correlation_id", "reply_to", "content_type", "partition_key", "header_bag", "body", "dispatched_at"}
	id := "11111111-1111-1111-1111-111111111111"
	rows := sqlmock.NewRows(cols).AddRow(id, "MT_EVENT", "orders.created", time.Now().Add(-10*time.Second), nil, nil, "application/json", nil, nil, []byte(`{}`), nil)

	mock.ExpectQuery("SELECT .* FROM outbox_messages\\s+WHERE dispatched_at IS NULL").
		WillReturnRows(rows)

	out, err := store.OutstandingMessages(context.Background(), 5000, 10, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Outstanding())
	assert.Equal(t, "orders.created", out[0].Header.Topic)
}

// Invariant 5 — Get(ids) followed by MarkDispatched(ids) followed by
// OutstandingMessages(0, ...) excludes all of ids: exercised here only as
// the MarkDispatchedBatch UPDATE against the mock, since the exclusion itself
// is enforced by the dialect's WHERE clause (the outstanding query's side is
// checked in TestStore_OutstandingMessagesAgeFilter).
func TestStore_MarkDispatchedBatch(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE outbox_messages SET dispatched_at").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := store.MarkDispatchedBatch(context.Background(), []string{"id1", "id3"}, at)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// S6 — bulk mark dispatched leaves the untouched id outstanding.
func TestStore_BulkMarkDispatchedLeavesOthersOutstanding(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE outbox_messages SET dispatched_at").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM outbox_messages").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, store.MarkDispatchedBatch(context.Background(), []string{"id1", "id3"}, time.Now().UTC()))

	n, err := store.GetNumberOfOutstandingMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Invariant 7 — pagination is stable: GetPage orders by timestamp then
// message_id, so split and combined page reads agree. The mock checks that
// ORDER BY clause on a single page read.
func TestStore_PaginationIsStable(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	cols := []string{"message_id", "message_type", "topic", "timestamp", "correlation_id", "reply_to", "content_type", "partition_key", "header_bag", "body", "dispatched_at"}

	page1 := sqlmock.NewRows(cols).
		AddRow("11111111-1111-1111-1111-111111111111", "MT_EVENT", "t1", time.Now(), nil, nil, "application/json", nil, nil, []byte("{}"), nil)
	mock.ExpectQuery("SELECT .* FROM outbox_messages\\s+ORDER BY timestamp ASC, message_id ASC LIMIT").WillReturnRows(page1)

	out, err := store.GetPage(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestStore_GetNotFound(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery("SELECT .* FROM outbox_messages WHERE message_id").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

// spec.md §5 — ClaimOutstanding runs the dialect's row-locking SELECT and
// the dispatched-mark inside one transaction, committing once done is
// called with the dispatched subset.
func TestStore_ClaimOutstandingCommitsDoneSubset(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	cols := []string{"message_id", "message_type", "topic", "timestamp", "correlation_id", "reply_to", "content_type", "partition_key", "header_bag", "body", "dispatched_at"}
	id := "11111111-1111-1111-1111-111111111111"
	rows := sqlmock.NewRows(cols).AddRow(id, "MT_EVENT", "orders.created", time.Now().Add(-10*time.Second), nil, nil, "application/json", nil, nil, []byte(`{}`), nil)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)SELECT .* FROM outbox_messages\\s+WHERE dispatched_at IS NULL.*FOR UPDATE SKIP LOCKED").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE outbox_messages SET dispatched_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, done, err := store.ClaimOutstanding(context.Background(), 5000, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, done([]string{id}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A done call with no dispatched ids still commits (releasing the row
// locks) without issuing an UPDATE.
func TestStore_ClaimOutstandingDoneWithNothingDispatchedStillCommits(t *testing.T) {
	store, mock, closeDB := newMockStore(t)
	defer closeDB()

	cols := []string{"message_id", "message_type", "topic", "timestamp", "correlation_id", "reply_to", "content_type", "partition_key", "header_bag", "body", "dispatched_at"}
	rows := sqlmock.NewRows(cols)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)SELECT .* FROM outbox_messages\\s+WHERE dispatched_at IS NULL.*FOR UPDATE SKIP LOCKED").
		WillReturnRows(rows)
	mock.ExpectCommit()

	claimed, done, err := store.ClaimOutstanding(context.Background(), 5000, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 0)

	require.NoError(t, done(nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
