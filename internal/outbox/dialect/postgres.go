package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is the lib/pq-backed Dialect. Duplicate MessageId inserts are
// absorbed with ON CONFLICT DO NOTHING; row selection for sweeps can use
// FOR UPDATE SKIP LOCKED (see SelectOutstandingForUpdate).
type Postgres struct{}

var _ Dialect = Postgres{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) InsertOne(table string, r Row) (string, []any) {
	headerBag, _ := json.Marshal(r.Header.HeaderBag)
	query := fmt.Sprintf(`
		INSERT INTO %s
			(message_id, message_type, topic, timestamp, correlation_id, reply_to, content_type, partition_key, header_bag, body, dispatched_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id) DO NOTHING`, table)
	args := []any{
		r.Header.MessageId.String(), string(r.Header.MessageType), r.Header.Topic, r.Header.TimeStamp,
		nullableUUID(r.Header.CorrelationId), nullableString(r.Header.ReplyTo), r.Header.ContentType,
		nullableString(r.Header.PartitionKey), string(headerBag), r.Body.Value, r.DispatchedAt,
	}
	return query, args
}

func (Postgres) InsertBatch(table string, rows []Row) (string, []any) {
	var valuesClauses []string
	var args []any
	for i, r := range rows {
		headerBag, _ := json.Marshal(r.Header.HeaderBag)
		base := i * 11
		valuesClauses = append(valuesClauses, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.Header.MessageId.String(), string(r.Header.MessageType), r.Header.Topic, r.Header.TimeStamp,
			nullableUUID(r.Header.CorrelationId), nullableString(r.Header.ReplyTo), r.Header.ContentType,
			nullableString(r.Header.PartitionKey), string(headerBag), r.Body.Value, r.DispatchedAt,
		)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s
			(message_id, message_type, topic, timestamp, correlation_id, reply_to, content_type, partition_key, header_bag, body, dispatched_at)
		VALUES %s
		ON CONFLICT (message_id) DO NOTHING`, table, strings.Join(valuesClauses, ", "))
	return query, args
}

func (Postgres) SelectByID(table string, id string) (string, []any) {
	return fmt.Sprintf("%s WHERE message_id = $1", selectColumns(table)), []any{id}
}

func (Postgres) SelectByIDs(table string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("%s WHERE message_id IN (%s)", selectColumns(table), strings.Join(placeholders, ", "))
	return query, args
}

func (Postgres) SelectPage(table string, pageSize, offset int) (string, []any) {
	query := fmt.Sprintf("%s ORDER BY timestamp ASC, message_id ASC LIMIT $1 OFFSET $2", selectColumns(table))
	return query, []any{pageSize, offset}
}

func (Postgres) SelectOutstanding(table string, sinceMs int64, pageSize, offset int) (string, []any) {
	query := fmt.Sprintf(`%s
		WHERE dispatched_at IS NULL AND timestamp <= $1
		ORDER BY timestamp ASC, message_id ASC LIMIT $2 OFFSET $3`, selectColumns(table))
	return query, []any{cutoff(sinceMs), pageSize, offset}
}

func (Postgres) SelectDispatched(table string, sinceMs int64, pageSize, offset int) (string, []any) {
	query := fmt.Sprintf(`%s
		WHERE dispatched_at IS NOT NULL AND dispatched_at >= $1
		ORDER BY timestamp ASC, message_id ASC LIMIT $2 OFFSET $3`, selectColumns(table))
	return query, []any{cutoff(sinceMs), pageSize, offset}
}

func (Postgres) MarkDispatched(table string, id string, at time.Time) (string, []any) {
	query := fmt.Sprintf("UPDATE %s SET dispatched_at = $1 WHERE message_id = $2 AND dispatched_at IS NULL", table)
	return query, []any{at.UTC(), id}
}

func (Postgres) MarkDispatchedBatch(table string, ids []string, at time.Time) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids)+1)
	args[0] = at.UTC()
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args[i+1] = id
	}
	query := fmt.Sprintf(
		"UPDATE %s SET dispatched_at = $1 WHERE message_id IN (%s) AND dispatched_at IS NULL",
		table, strings.Join(placeholders, ", "))
	return query, args
}

func (Postgres) Delete(table string, ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return fmt.Sprintf("DELETE FROM %s WHERE message_id IN (%s)", table, strings.Join(placeholders, ", ")), args
}

func (Postgres) CountOutstanding(table string) (string, []any) {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE dispatched_at IS NULL", table), nil
}

func (Postgres) IsDuplicateKeyError(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

// SelectOutstandingForUpdate returns the sweeper's atomic fetch-and-lock
// query: FOR UPDATE SKIP LOCKED so concurrent sweepers never contend on the
// same rows.
func (Postgres) SelectOutstandingForUpdate(table string, sinceMs int64, limit int) (string, []any) {
	query := fmt.Sprintf(`%s
		WHERE dispatched_at IS NULL AND timestamp <= $1
		ORDER BY timestamp ASC, message_id ASC LIMIT $2
		FOR UPDATE SKIP LOCKED`, selectColumns(table))
	return query, []any{cutoff(sinceMs), limit}
}

func selectColumns(table string) string {
	return fmt.Sprintf(`SELECT message_id, message_type, topic, timestamp, correlation_id, reply_to, content_type, partition_key, header_bag, body, dispatched_at FROM %s`, table)
}

func cutoff(sinceMs int64) time.Time {
	return time.Now().UTC().Add(-time.Duration(sinceMs) * time.Millisecond)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableUUID(u uuid.UUID) any {
	if u == uuid.Nil {
		return nil
	}
	return u.String()
}
