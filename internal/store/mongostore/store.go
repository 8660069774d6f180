// Package mongostore stores records as MongoDB documents. The record id becomes _id and
// the indexed time is kept in _ts; both are stripped again on read.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"ai-task-platform/internal/store"
)

const (
	idKey = "_id"
	tsKey = "_ts"
)

// Backend implements store.Backend on a MongoDB database.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Backend = (*Backend)(nil)

// Open connects to uri, verifies the connection and ensures indexes on dbName.
func Open(ctx context.Context, uri, dbName string) (*Backend, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	b := &Backend{client: client, db: client.Database(dbName)}
	if err := b.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col  store.Collection
		keys bson.D
	}
	indexes := []idx{
		{store.Tasks, bson.D{{Key: "status", Value: 1}, {Key: tsKey, Value: -1}}},
		{store.Tasks, bson.D{{Key: "user_id", Value: 1}}},
		{store.Agents, bson.D{{Key: "status", Value: 1}}},
		{store.Metrics, bson.D{{Key: "agent_id", Value: 1}, {Key: tsKey, Value: -1}}},
	}
	for _, col := range store.Collections() {
		indexes = append(indexes, idx{col, bson.D{{Key: tsKey, Value: -1}}})
	}
	for _, i := range indexes {
		if _, err := b.col(i.col).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: i.keys}); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}
	return nil
}

func (b *Backend) col(c store.Collection) *mongo.Collection {
	return b.db.Collection(string(c))
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}

func (b *Backend) Insert(ctx context.Context, col store.Collection, id string, indexedAt time.Time, rec store.Record) error {
	if err := store.CheckCollection(col); err != nil {
		return err
	}
	doc := make(bson.D, 0, len(rec)+2)
	doc = append(doc, bson.E{Key: idKey, Value: id}, bson.E{Key: tsKey, Value: indexedAt.UTC()})
	for k, v := range rec {
		doc = append(doc, bson.E{Key: k, Value: v})
	}
	_, err := b.col(col).InsertOne(ctx, doc)
	return wrapError(err)
}

func (b *Backend) Get(ctx context.Context, col store.Collection, id string) (store.Record, error) {
	if err := store.CheckCollection(col); err != nil {
		return nil, err
	}
	var doc bson.M
	if err := b.col(col).FindOne(ctx, bson.D{{Key: idKey, Value: id}}).Decode(&doc); err != nil {
		return nil, wrapError(err)
	}
	return toRecord(doc), nil
}

func (b *Backend) Update(ctx context.Context, col store.Collection, id string, fields store.Record, expect store.Record) error {
	if err := store.CheckCollection(col); err != nil {
		return err
	}
	filter := bson.D{{Key: idKey, Value: id}}
	for k, v := range expect {
		filter = append(filter, bson.E{Key: k, Value: v})
	}
	if len(fields) > 0 {
		set := make(bson.D, 0, len(fields))
		for k, v := range fields {
			set = append(set, bson.E{Key: k, Value: v})
		}
		res, err := b.col(col).UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
		if err != nil {
			return wrapError(err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	} else {
		n, err := b.col(col).CountDocuments(ctx, filter)
		if err != nil {
			return wrapError(err)
		}
		if n > 0 {
			return nil
		}
	}
	n, err := b.col(col).CountDocuments(ctx, bson.D{{Key: idKey, Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (b *Backend) Find(ctx context.Context, col store.Collection, q store.Query) ([]store.Record, error) {
	if err := store.CheckCollection(col); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: tsKey, Value: -1}, {Key: idKey, Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := b.col(col).Find(ctx, filterFor(q), opts)
	if err != nil {
		return nil, wrapError(err)
	}
	defer cursor.Close(ctx)

	out := []store.Record{}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, toRecord(doc))
	}
	return out, cursor.Err()
}

func (b *Backend) Delete(ctx context.Context, col store.Collection, id string) error {
	if err := store.CheckCollection(col); err != nil {
		return err
	}
	res, err := b.col(col).DeleteOne(ctx, bson.D{{Key: idKey, Value: id}})
	if err != nil {
		return wrapError(err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (b *Backend) Count(ctx context.Context, col store.Collection, q store.Query) (int64, error) {
	if err := store.CheckCollection(col); err != nil {
		return 0, err
	}
	n, err := b.col(col).CountDocuments(ctx, filterFor(q))
	if err != nil {
		return 0, wrapError(err)
	}
	return n, nil
}

func (b *Backend) DeleteWhere(ctx context.Context, col store.Collection, q store.Query) (int64, error) {
	if err := store.CheckCollection(col); err != nil {
		return 0, err
	}
	res, err := b.col(col).DeleteMany(ctx, filterFor(q))
	if err != nil {
		return 0, wrapError(err)
	}
	return res.DeletedCount, nil
}

func filterFor(q store.Query) bson.D {
	filter := bson.D{}
	for k, v := range q.Filters {
		filter = append(filter, bson.E{Key: k, Value: v})
	}
	window := bson.D{}
	if !q.Since.IsZero() {
		window = append(window, bson.E{Key: "$gte", Value: q.Since.UTC()})
	}
	if !q.Before.IsZero() {
		window = append(window, bson.E{Key: "$lt", Value: q.Before.UTC()})
	}
	if len(window) > 0 {
		filter = append(filter, bson.E{Key: tsKey, Value: window})
	}
	return filter
}

// wrapError converts driver errors into store sentinels.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}
	return err
}

func toRecord(doc bson.M) store.Record {
	rec := make(store.Record, len(doc))
	for k, v := range doc {
		if k == idKey || k == tsKey {
			continue
		}
		rec[k] = normalize(v)
	}
	return rec
}

// normalize turns driver container and time types into plain Go values.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case bson.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}
