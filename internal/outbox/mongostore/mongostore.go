// Package mongostore is a supplemental, non-relational outbox.Store backed
// by a single MongoDB collection. It lives outside internal/outbox/dialect
// deliberately: dialect.Dialect is a SQL-query-string-and-positional-args
// capability object (see dialect.Dialect's InsertOne/SelectByID signatures),
// which has no meaning against a document store, so Store implements
// the higher-level outbox.Store contract directly instead of forcing Mongo
// through a SQL-shaped interface. Kept alongside the SQL dialects to show
// the outbox contract is not SQL-only; the primary target remains the
// relational Store (see internal/outbox/sql.go) since the idempotency and
// locking invariants are specified in terms of a relational schema.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/preardon/brighter-go/internal/message"
	"github.com/preardon/brighter-go/internal/metrics"
	"github.com/preardon/brighter-go/internal/outbox"
	"github.com/preardon/brighter-go/internal/pumperr"
)

// Store is a supplemental, non-relational outbox.Store backed by a single
// collection. _id holds the MessageId string, so a duplicate insert fails
// with Mongo's E11000 duplicate key error rather than needing an explicit
// ON CONFLICT clause.
type Store struct {
	collection *mongo.Collection
}

var _ outbox.Store = (*Store)(nil)

// Store deliberately does not implement outbox.ClaimingStore: Mongo has no
// row-locking SELECT equivalent to FOR UPDATE SKIP LOCKED, and faking one
// with findAndModify-per-row would trade the sweeper's bulk fetch for N
// round trips. internal/sweeper falls back to plain OutstandingMessages for
// this backend and relies on Redis leader election alone for exclusivity.

// doc is the flat document shape persisted per message.
type doc struct {
	ID            string            `bson:"_id"`
	MessageType   string            `bson:"message_type"`
	Topic         string            `bson:"topic"`
	TimeStamp     time.Time         `bson:"timestamp"`
	CorrelationId string            `bson:"correlation_id,omitempty"`
	ReplyTo       string            `bson:"reply_to,omitempty"`
	ContentType   string            `bson:"content_type"`
	PartitionKey  string            `bson:"partition_key,omitempty"`
	HeaderBag     map[string]string `bson:"header_bag,omitempty"`
	Body          []byte            `bson:"body"`
	DispatchedAt  *time.Time        `bson:"dispatched_at,omitempty"`
}

// New returns a Store backed by db's "outbox_messages" collection.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("outbox_messages")}
}

func (s *Store) Add(ctx context.Context, tx outbox.TxProvider, m message.Message) error {
	return s.AddBatch(ctx, tx, []message.Message{m})
}

func (s *Store) AddBatch(ctx context.Context, _ outbox.TxProvider, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]any, len(msgs))
	for i, m := range msgs {
		docs[i] = toDoc(m)
	}
	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if isDuplicateKeyError(err) {
			log.Warn().Str("dialect", "mongo").Msg("outbox: duplicate message id, ignoring")
			metrics.OutboxDuplicatesIgnored.WithLabelValues("mongo").Inc()
			return nil
		}
		return fmt.Errorf("%w: outbox add: %w", pumperr.ErrTransientStore, err)
	}
	metrics.OutboxRowsAdded.WithLabelValues("mongo").Add(float64(len(msgs)))
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (outbox.Row, error) {
	var d doc
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return outbox.Row{}, outbox.ErrNotFound
	}
	if err != nil {
		return outbox.Row{}, fmt.Errorf("%w: outbox get: %w", pumperr.ErrTransientStore, err)
	}
	return fromDoc(d), nil
}

func (s *Store) GetBatch(ctx context.Context, ids []string) ([]outbox.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("%w: outbox get batch: %w", pumperr.ErrTransientStore, err)
	}
	defer cursor.Close(ctx)

	var docs []doc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: outbox scan: %w", pumperr.ErrTransientStore, err)
	}
	byID := make(map[string]outbox.Row, len(docs))
	for _, d := range docs {
		byID[d.ID] = fromDoc(d)
	}
	out := make([]outbox.Row, 0, len(docs))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) GetPage(ctx context.Context, pageSize, pageNumber int) ([]outbox.Row, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(pageSize)).
		SetSkip(int64(offsetFor(pageSize, pageNumber)))
	return s.find(ctx, bson.M{}, opts)
}

func (s *Store) OutstandingMessages(ctx context.Context, sinceMs int64, pageSize, pageNumber int) ([]outbox.Row, error) {
	filter := bson.M{"dispatched_at": bson.M{"$exists": false}, "timestamp": bson.M{"$lte": cutoff(sinceMs)}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(pageSize)).
		SetSkip(int64(offsetFor(pageSize, pageNumber)))
	return s.find(ctx, filter, opts)
}

func (s *Store) DispatchedMessages(ctx context.Context, sinceMs int64, pageSize, pageNumber int) ([]outbox.Row, error) {
	filter := bson.M{"dispatched_at": bson.M{"$exists": true, "$gte": cutoff(sinceMs)}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(pageSize)).
		SetSkip(int64(offsetFor(pageSize, pageNumber)))
	return s.find(ctx, filter, opts)
}

func (s *Store) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return s.MarkDispatchedBatch(ctx, []string{id}, at)
}

func (s *Store) MarkDispatchedBatch(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "dispatched_at": bson.M{"$exists": false}}
	update := bson.M{"$set": bson.M{"dispatched_at": at.UTC()}}
	result, err := s.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("%w: outbox mark dispatched: %w", pumperr.ErrTransientStore, err)
	}
	if result.ModifiedCount > 0 {
		metrics.OutboxRowsDispatched.WithLabelValues("mongo").Add(float64(result.ModifiedCount))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("%w: outbox delete: %w", pumperr.ErrTransientStore, err)
	}
	return nil
}

func (s *Store) GetNumberOfOutstandingMessages(ctx context.Context) (int, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"dispatched_at": bson.M{"$exists": false}})
	if err != nil {
		return 0, fmt.Errorf("%w: outbox count outstanding: %w", pumperr.ErrTransientStore, err)
	}
	metrics.OutboxOutstanding.Set(float64(n))
	return int(n), nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]outbox.Row, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: outbox query: %w", pumperr.ErrTransientStore, err)
	}
	defer cursor.Close(ctx)

	var docs []doc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%w: outbox scan: %w", pumperr.ErrTransientStore, err)
	}
	out := make([]outbox.Row, len(docs))
	for i, d := range docs {
		out[i] = fromDoc(d)
	}
	return out, nil
}

func toDoc(m message.Message) doc {
	d := doc{
		ID:           m.Header.MessageId.String(),
		MessageType:  string(m.Header.MessageType),
		Topic:        m.Header.Topic,
		TimeStamp:    m.Header.TimeStamp,
		ReplyTo:      m.Header.ReplyTo,
		ContentType:  m.Header.ContentType,
		PartitionKey: m.Header.PartitionKey,
		Body:         m.Body.Value,
	}
	if m.Header.CorrelationId != uuid.Nil {
		d.CorrelationId = m.Header.CorrelationId.String()
	}
	if len(m.Header.HeaderBag) > 0 {
		d.HeaderBag = m.Header.HeaderBag
	}
	return d
}

func fromDoc(d doc) outbox.Row {
	header := message.Header{
		Topic:        d.Topic,
		MessageType:  message.MessageType(d.MessageType),
		TimeStamp:    d.TimeStamp,
		ReplyTo:      d.ReplyTo,
		ContentType:  d.ContentType,
		PartitionKey: d.PartitionKey,
		HeaderBag:    d.HeaderBag,
	}
	if id, err := uuid.Parse(d.ID); err == nil {
		header.MessageId = id
	}
	if d.CorrelationId != "" {
		if cid, err := uuid.Parse(d.CorrelationId); err == nil {
			header.CorrelationId = cid
		}
	}
	return outbox.Row{
		Header:       header,
		Body:         message.Body{Value: d.Body, ContentType: d.ContentType},
		DispatchedAt: d.DispatchedAt,
	}
}

// isDuplicateKeyError reports whether err wraps Mongo's E11000 duplicate key
// write error, the same family of error the SQL dialects translate in
// Dialect.IsDuplicateKeyError.
func isDuplicateKeyError(err error) bool {
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}

func offsetFor(pageSize, pageNumber int) int {
	if pageNumber < 1 {
		pageNumber = 1
	}
	return (pageNumber - 1) * pageSize
}

func cutoff(sinceMs int64) time.Time {
	return time.Now().UTC().Add(-time.Duration(sinceMs) * time.Millisecond)
}
