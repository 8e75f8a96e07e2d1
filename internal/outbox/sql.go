package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/metrics"
	"github.com/preardon/brighter-go/internal/outbox/dialect"
	"github.com/preardon/brighter-go/internal/pumperr"
)

// SQLStore is the core outbox Store implementation. It holds no
// dialect-specific SQL itself — every query and parameter shape comes from
// the composed Dialect capability object, following the composition-over-
// inheritance design the teacher's repository split (Postgres/MySQL) hints
// at but expresses through inheritance; this port removes the
// inheritance entirely.
type SQLStore struct {
	db      *sql.DB
	dialect dialect.Dialect
	table   string
}

var _ Store = (*SQLStore)(nil)
var _ ClaimingStore = (*SQLStore)(nil)

// NewSQLStore builds a Store for table, querying through d.
func NewSQLStore(db *sql.DB, d dialect.Dialect, table string) *SQLStore {
	return &SQLStore{db: db, dialect: d, table: table}
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every method run
// against either depending on whether the caller supplied a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) execerFor(ctx context.Context, tx TxProvider) (execer, error) {
	if tx == nil {
		return s.db, nil
	}
	t, err := tx.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: tx provider: %w", err)
	}
	if t == nil {
		return s.db, nil
	}
	return t, nil
}

// Add inserts one message. A duplicate MessageId is logged and swallowed.
func (s *SQLStore) Add(ctx context.Context, tx TxProvider, m message.Message) error {
	return s.AddBatch(ctx, tx, []message.Message{m})
}

// AddBatch inserts messages in one statement. Atomicity follows the
// caller's transaction.
func (s *SQLStore) AddBatch(ctx context.Context, tx TxProvider, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	db, err := s.execerFor(ctx, tx)
	if err != nil {
		return err
	}

	rows := make([]dialect.Row, len(msgs))
	for i, m := range msgs {
		rows[i] = toDialectRow(m)
	}

	var query string
	var args []any
	if len(rows) == 1 {
		query, args = s.dialect.InsertOne(s.table, rows[0])
	} else {
		query, args = s.dialect.InsertBatch(s.table, rows)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		if s.dialect.IsDuplicateKeyError(err) {
			log.Warn().Str("dialect", s.dialect.Name()).Msg("outbox: duplicate message id, ignoring")
			metrics.OutboxDuplicatesIgnored.WithLabelValues(s.dialect.Name()).Inc()
			return nil
		}
		return fmt.Errorf("%w: outbox add: %w", pumperr.ErrTransientStore, err)
	}

	affected, _ := result.RowsAffected()
	if int(affected) < len(msgs) {
		log.Warn().Str("dialect", s.dialect.Name()).Int("inserted", int(affected)).Int("requested", len(msgs)).Msg("outbox: duplicate message id in batch, some rows ignored")
		metrics.OutboxDuplicatesIgnored.WithLabelValues(s.dialect.Name()).Add(float64(len(msgs) - int(affected)))
	}
	metrics.OutboxRowsAdded.WithLabelValues(s.dialect.Name()).Add(float64(affected))
	return nil
}

// Get returns the row for id, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (Row, error) {
	query, args := s.dialect.SelectByID(s.table, id)
	row := s.db.QueryRowContext(ctx, query, args...)
	r, err := scanRow(row.Scan)
	if err == sql.ErrNoRows {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("%w: outbox get: %w", pumperr.ErrTransientStore, err)
	}
	return r, nil
}

// GetBatch returns the subset of ids that exist, ordered to match ids.
func (s *SQLStore) GetBatch(ctx context.Context, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args := s.dialect.SelectByIDs(s.table, ids)
	found, err := s.queryRows(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids), nil
}

// GetPage returns a stable page ordered by TimeStamp ASC, MessageId ASC.
func (s *SQLStore) GetPage(ctx context.Context, pageSize, pageNumber int) ([]Row, error) {
	offset := offsetFor(pageSize, pageNumber)
	query, args := s.dialect.SelectPage(s.table, pageSize, offset)
	return s.queryRows(ctx, query, args)
}

// OutstandingMessages returns undispatched rows at least sinceMs old.
func (s *SQLStore) OutstandingMessages(ctx context.Context, sinceMs int64, pageSize, pageNumber int) ([]Row, error) {
	offset := offsetFor(pageSize, pageNumber)
	query, args := s.dialect.SelectOutstanding(s.table, sinceMs, pageSize, offset)
	return s.queryRows(ctx, query, args)
}

// DispatchedMessages returns rows dispatched within the last sinceMs.
func (s *SQLStore) DispatchedMessages(ctx context.Context, sinceMs int64, pageSize, pageNumber int) ([]Row, error) {
	offset := offsetFor(pageSize, pageNumber)
	query, args := s.dialect.SelectDispatched(s.table, sinceMs, pageSize, offset)
	return s.queryRows(ctx, query, args)
}

// MarkDispatched sets DispatchedAt for id. Idempotent: a second call is a
// no-op since the dialect's WHERE clause excludes already-dispatched rows,
// so DispatchedAt always equals the first successful call's timestamp.
func (s *SQLStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return s.MarkDispatchedBatch(ctx, []string{id}, at)
}

// MarkDispatchedBatch sets DispatchedAt for all of ids in one statement.
func (s *SQLStore) MarkDispatchedBatch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := s.dialect.MarkDispatchedBatch(s.table, ids, at)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: outbox mark dispatched: %w", pumperr.ErrTransientStore, err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		metrics.OutboxRowsDispatched.WithLabelValues(s.dialect.Name()).Add(float64(affected))
	}
	return nil
}

// Delete administratively purges rows. No-op on empty input.
func (s *SQLStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := s.dialect.Delete(s.table, ids)
	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: outbox delete: %w", pumperr.ErrTransientStore, err)
	}
	return nil
}

// GetNumberOfOutstandingMessages returns the scalar count of undispatched rows.
func (s *SQLStore) GetNumberOfOutstandingMessages(ctx context.Context) (int, error) {
	query, args := s.dialect.CountOutstanding(s.table)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: outbox count outstanding: %w", pumperr.ErrTransientStore, err)
	}
	metrics.OutboxOutstanding.Set(float64(n))
	return n, nil
}

func (s *SQLStore) queryRows(ctx context.Context, query string, args []any) ([]Row, error) {
	return queryRowsVia(ctx, s.db, query, args)
}

func queryRowsVia(ctx context.Context, db execer, query string, args []any) ([]Row, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: outbox query: %w", pumperr.ErrTransientStore, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: outbox scan: %w", pumperr.ErrTransientStore, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// forUpdateFull is implemented by dialects that can select and lock full
// rows in one statement (Postgres's FOR UPDATE SKIP LOCKED).
type forUpdateFull interface {
	SelectOutstandingForUpdate(table string, sinceMs int64, limit int) (query string, args []any)
}

// forUpdateIDs is implemented by dialects that can only lock ids in one
// statement (MySQL has no CTE+RETURNING), requiring a second SELECT for the
// full rows within the same transaction.
type forUpdateIDs interface {
	SelectIDsOutstandingForUpdate(table string, sinceMs int64, limit int) (query string, args []any)
}

// ClaimOutstanding implements ClaimingStore: it opens a transaction, selects
// up to limit outstanding rows at least sinceMs old under the dialect's
// row-locking SELECT, and returns a done func that marks the caller's
// dispatched subset and commits, releasing the locks either way.
func (s *SQLStore) ClaimOutstanding(ctx context.Context, sinceMs int64, limit int) ([]Row, func(dispatchedIds []string) error, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: outbox claim begin: %w", pumperr.ErrTransientStore, err)
	}

	rows, err := s.selectForUpdate(ctx, tx, sinceMs, limit)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, err
	}

	done := func(dispatchedIds []string) error {
		defer func() { _ = tx.Rollback() }()
		if len(dispatchedIds) > 0 {
			query, args := s.dialect.MarkDispatchedBatch(s.table, dispatchedIds, time.Now().UTC())
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("%w: outbox claim mark dispatched: %w", pumperr.ErrTransientStore, err)
			}
			metrics.OutboxRowsDispatched.WithLabelValues(s.dialect.Name()).Add(float64(len(dispatchedIds)))
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: outbox claim commit: %w", pumperr.ErrTransientStore, err)
		}
		return nil
	}
	return rows, done, nil
}

func (s *SQLStore) selectForUpdate(ctx context.Context, tx *sql.Tx, sinceMs int64, limit int) ([]Row, error) {
	switch d := s.dialect.(type) {
	case forUpdateFull:
		query, args := d.SelectOutstandingForUpdate(s.table, sinceMs, limit)
		return queryRowsVia(ctx, tx, query, args)

	case forUpdateIDs:
		idQuery, idArgs := d.SelectIDsOutstandingForUpdate(s.table, sinceMs, limit)
		idRows, err := tx.QueryContext(ctx, idQuery, idArgs...)
		if err != nil {
			return nil, fmt.Errorf("%w: outbox claim select ids: %w", pumperr.ErrTransientStore, err)
		}
		var ids []string
		for idRows.Next() {
			var id string
			if err := idRows.Scan(&id); err != nil {
				idRows.Close()
				return nil, fmt.Errorf("%w: outbox claim scan id: %w", pumperr.ErrTransientStore, err)
			}
			ids = append(ids, id)
		}
		scanErr := idRows.Err()
		idRows.Close()
		if scanErr != nil {
			return nil, fmt.Errorf("%w: outbox claim scan id: %w", pumperr.ErrTransientStore, scanErr)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		selQuery, selArgs := s.dialect.SelectByIDs(s.table, ids)
		found, err := queryRowsVia(ctx, tx, selQuery, selArgs)
		if err != nil {
			return nil, err
		}
		return orderByIDs(found, ids), nil

	default:
		return nil, fmt.Errorf("%w: outbox claim: dialect %s has no row-locking select", pumperr.ErrConfiguration, s.dialect.Name())
	}
}

func scanRow(scan func(dest ...any) error) (Row, error) {
	var (
		messageId, messageType, topic, contentType string
		correlationId, replyTo, partitionKey        sql.NullString
		headerBag                                   sql.NullString
		ts                                           time.Time
		dispatchedAt                                 sql.NullTime
		body                                         []byte
	)

	err := scan(&messageId, &messageType, &topic, &ts, &correlationId, &replyTo, &contentType, &partitionKey, &headerBag, &body, &dispatchedAt)
	if err != nil {
		return Row{}, err
	}

	header := message.Header{
		Topic:       topic,
		MessageType: message.MessageType(messageType),
		TimeStamp:   ts,
		ContentType: contentType,
	}
	if id, parseErr := uuid.Parse(messageId); parseErr == nil {
		header.MessageId = id
	}
	if correlationId.Valid {
		if cid, parseErr := uuid.Parse(correlationId.String); parseErr == nil {
			header.CorrelationId = cid
		}
	}
	if replyTo.Valid {
		header.ReplyTo = replyTo.String
	}
	if partitionKey.Valid {
		header.PartitionKey = partitionKey.String
	}
	if headerBag.Valid && headerBag.String != "" {
		var bag message.HeaderBag
		if jsonErr := json.Unmarshal([]byte(headerBag.String), &bag); jsonErr == nil {
			header.HeaderBag = bag
		}
	}

	row := Row{
		Header: header,
		Body:   message.Body{Value: body, ContentType: contentType},
	}
	if dispatchedAt.Valid {
		t := dispatchedAt.Time
		row.DispatchedAt = &t
	}
	return row, nil
}

func toDialectRow(m message.Message) dialect.Row {
	return dialect.Row{Header: m.Header, Body: m.Body}
}

func orderByIDs(found []Row, ids []string) []Row {
	byID := make(map[string]Row, len(found))
	for _, r := range found {
		byID[r.Header.MessageId.String()] = r
	}
	out := make([]Row, 0, len(found))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func offsetFor(pageSize, pageNumber int) int {
	if pageNumber < 1 {
		pageNumber = 1
	}
	return (pageNumber - 1) * pageSize
}
