package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQL is the go-sql-driver/mysql-backed Dialect. Duplicate MessageId
// inserts are absorbed with INSERT IGNORE. MySQL has no CTE+RETURNING, so
// the sweeper's atomic fetch-and-lock is a SELECT...FOR UPDATE SKIP LOCKED
// of ids followed by a SELECT of those rows, both inside one transaction (see
// SQLStore.ClaimOutstanding in internal/outbox), rather than the single
// statement Postgres can do.
type MySQL struct{}

var _ Dialect = MySQL{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) InsertOne(table string, r Row) (string, []any) {
	headerBag, _ := json.Marshal(r.Header.HeaderBag)
	query := fmt.Sprintf(`
		INSERT IGNORE INTO %s
			(message_id, message_type, topic, timestamp, correlation_id, reply_to, content_type, partition_key, header_bag, body, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	args := []any{
		r.Header.MessageId.String(), string(r.Header.MessageType), r.Header.Topic, r.Header.TimeStamp,
		nullableUUID(r.Header.CorrelationId), nullableString(r.Header.ReplyTo), r.Header.ContentType,
		nullableString(r.Header.PartitionKey), string(headerBag), r.Body.Value, r.DispatchedAt,
	}
	return query, args
}

func (MySQL) InsertBatch(table string, rows []Row) (string, []any) {
	placeholders := make([]string, len(rows))
	var args []any
	for i, r := range rows {
		headerBag, _ := json.Marshal(r.Header.HeaderBag)
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.Header.MessageId.String(), string(r.Header.MessageType), r.Header.Topic, r.Header.TimeStamp,
			nullableUUID(r.Header.CorrelationId), nullableString(r.Header.ReplyTo), r.Header.ContentType,
			nullableString(r.Header.PartitionKey), string(headerBag), r.Body.Value, r.DispatchedAt,
		)
	}
	query := fmt.Sprintf(`
		INSERT IGNORE INTO %s
			(message_id, message_type, topic, timestamp, correlation_id, reply_to, content_type, partition_key, header_bag, body, dispatched_at)
		VALUES %s`, table, strings.Join(placeholders, ", "))
	return query, args
}

func (MySQL) SelectByID(table string, id string) (string, []any) {
	return fmt.Sprintf("%s WHERE message_id = ?", selectColumns(table)), []any{id}
}

func (MySQL) SelectByIDs(table string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("%s WHERE message_id IN (%s)", selectColumns(table), strings.Join(placeholders, ", "))
	return query, args
}

func (MySQL) SelectPage(table string, pageSize, offset int) (string, []any) {
	query := fmt.Sprintf("%s ORDER BY timestamp ASC, message_id ASC LIMIT ? OFFSET ?", selectColumns(table))
	return query, []any{pageSize, offset}
}

func (MySQL) SelectOutstanding(table string, sinceMs int64, pageSize, offset int) (string, []any) {
	query := fmt.Sprintf(`%s
		WHERE dispatched_at IS NULL AND timestamp <= ?
		ORDER BY timestamp ASC, message_id ASC LIMIT ? OFFSET ?`, selectColumns(table))
	return query, []any{cutoff(sinceMs), pageSize, offset}
}

func (MySQL) SelectDispatched(table string, sinceMs int64, pageSize, offset int) (string, []any) {
	query := fmt.Sprintf(`%s
		WHERE dispatched_at IS NOT NULL AND dispatched_at >= ?
		ORDER BY timestamp ASC, message_id ASC LIMIT ? OFFSET ?`, selectColumns(table))
	return query, []any{cutoff(sinceMs), pageSize, offset}
}

func (MySQL) MarkDispatched(table string, id string, at time.Time) (string, []any) {
	query := fmt.Sprintf("UPDATE %s SET dispatched_at = ? WHERE message_id = ? AND dispatched_at IS NULL", table)
	return query, []any{at.UTC(), id}
}

func (MySQL) MarkDispatchedBatch(table string, ids []string, at time.Time) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids)+1)
	args[0] = at.UTC()
	for i, id := range ids {
		placeholders[i] = "?"
		args[i+1] = id
	}
	query := fmt.Sprintf(
		"UPDATE %s SET dispatched_at = ? WHERE message_id IN (%s) AND dispatched_at IS NULL",
		table, strings.Join(placeholders, ", "))
	return query, args
}

func (MySQL) Delete(table string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf("DELETE FROM %s WHERE message_id IN (%s)", table, strings.Join(placeholders, ", ")), args
}

func (MySQL) CountOutstanding(table string) (string, []any) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE dispatched_at IS NULL", table), nil
}

func (MySQL) IsDuplicateKeyError(err error) bool {
	if myErr, ok := err.(*mysql.MySQLError); ok {
		return myErr.Number == 1062 // ER_DUP_ENTRY
	}
	return false
}

// SelectIDsOutstandingForUpdate is step 1 of the sweeper's two-step
// fetch-and-lock: select candidate ids with FOR UPDATE SKIP LOCKED inside a
// transaction the caller controls. Step 2 is a SelectByIDs for the full rows
// in the same tx, and the rows the caller reports dispatched are then marked
// via MarkDispatchedBatch before that tx commits, since MySQL has no
// CTE+RETURNING to lock and project rows in one statement.
func (MySQL) SelectIDsOutstandingForUpdate(table string, sinceMs int64, limit int) (string, []any) {
	query := fmt.Sprintf(`
		SELECT message_id FROM %s
		WHERE dispatched_at IS NULL AND timestamp <= ?
		ORDER BY timestamp ASC, message_id ASC LIMIT ?
		FOR UPDATE SKIP LOCKED`, table)
	return query, []any{cutoff(sinceMs), limit}
}
