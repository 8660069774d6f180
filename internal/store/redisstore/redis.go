// Package redisstore keeps records as Redis hashes. Each field value is the
// canonical JSON encoding of the record value, and every collection has a sorted
// set index scored by the record's indexed time in Unix milliseconds.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-task-platform/internal/store"
)

const indexedAtField = "_indexed_at"

// Backend implements store.Backend over a go-redis client.
type Backend struct {
	client *redis.Client
	prefix string
}

var _ store.Backend = (*Backend)(nil)

// New wraps an existing client. Keys are namespaced under prefix (default "ai").
func New(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "ai"
	}
	return &Backend{client: client, prefix: prefix}
}

// Open dials addr and returns a backend owning the client.
func Open(addr, password string, db int) *Backend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return New(client, "")
}

func (b *Backend) recordKey(col store.Collection, id string) string {
	return fmt.Sprintf("%s:%s:rec:%s", b.prefix, col, id)
}

func (b *Backend) indexKey(col store.Collection) string {
	return fmt.Sprintf("%s:%s:index", b.prefix, col)
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) Insert(ctx context.Context, col store.Collection, id string, indexedAt time.Time, rec store.Record) error {
	if err := store.CheckCollection(col); err != nil {
		return err
	}
	score := indexedAt.UnixMilli()
	args := []any{score, id, indexedAtField, strconv.FormatInt(score, 10)}
	pairs, err := encodePairs(rec)
	if err != nil {
		return err
	}
	args = append(args, pairs...)

	n, err := insertScript.Run(ctx, b.client, []string{b.recordKey(col, id), b.indexKey(col)}, args...).Int()
	if err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, col store.Collection, id string) (store.Record, error) {
	if err := store.CheckCollection(col); err != nil {
		return nil, err
	}
	fields, err := b.client.HGetAll(ctx, b.recordKey(col, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeHash(fields)
}

func (b *Backend) Update(ctx context.Context, col store.Collection, id string, fields store.Record, expect store.Record) error {
	if err := store.CheckCollection(col); err != nil {
		return err
	}
	expectPairs, err := encodePairs(expect)
	if err != nil {
		return err
	}
	fieldPairs, err := encodePairs(fields)
	if err != nil {
		return err
	}
	args := make([]any, 0, 1+len(expectPairs)+len(fieldPairs))
	args = append(args, len(expect))
	args = append(args, expectPairs...)
	args = append(args, fieldPairs...)

	n, err := updateScript.Run(ctx, b.client, []string{b.recordKey(col, id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	switch n {
	case -1:
		return store.ErrNotFound
	case 0:
		return store.ErrConflict
	}
	return nil
}

func (b *Backend) Find(ctx context.Context, col store.Collection, q store.Query) ([]store.Record, error) {
	if err := store.CheckCollection(col); err != nil {
		return nil, err
	}
	_, recs, err := b.find(ctx, col, q)
	return recs, err
}

// Count filters inside a Lua script and returns only the total.
func (b *Backend) Count(ctx context.Context, col store.Collection, q store.Query) (int64, error) {
	if err := store.CheckCollection(col); err != nil {
		return 0, err
	}
	wanted, err := encodeFilters(q.Filters)
	if err != nil {
		return 0, err
	}
	lo, hi := scoreRange(q)
	args := []any{lo, hi, b.recordKey(col, "")}
	for k, v := range wanted {
		args = append(args, k, v)
	}
	n, err := countScript.Run(ctx, b.client, []string{b.indexKey(col)}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (b *Backend) Delete(ctx context.Context, col store.Collection, id string) error {
	if err := store.CheckCollection(col); err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	del := pipe.Del(ctx, b.recordKey(col, id))
	pipe.ZRem(ctx, b.indexKey(col), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if del.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteWhere is not atomic across records: a record changed between the scan and
// the delete is still removed if it matched at scan time.
func (b *Backend) DeleteWhere(ctx context.Context, col store.Collection, q store.Query) (int64, error) {
	if err := store.CheckCollection(col); err != nil {
		return 0, err
	}
	q.Limit = 0
	ids, _, err := b.find(ctx, col, q)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := b.client.TxPipeline()
	dels := make([]*redis.IntCmd, 0, len(ids))
	for _, id := range ids {
		dels = append(dels, pipe.Del(ctx, b.recordKey(col, id)))
		pipe.ZRem(ctx, b.indexKey(col), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete where: %w", err)
	}
	var n int64
	for _, d := range dels {
		n += d.Val()
	}
	return n, nil
}

// find walks the index newest first and filters hashes client side.
func (b *Backend) find(ctx context.Context, col store.Collection, q store.Query) ([]string, []store.Record, error) {
	lo, hi := scoreRange(q)
	rng := &redis.ZRangeBy{Min: lo, Max: hi}
	if len(q.Filters) == 0 && q.Limit > 0 {
		rng.Count = int64(q.Limit)
	}
	ids, err := b.client.ZRevRangeByScore(ctx, b.indexKey(col), rng).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("scan index: %w", err)
	}
	if len(ids) == 0 {
		return nil, []store.Record{}, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, b.recordKey(col, id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("load records: %w", err)
	}

	wanted, err := encodeFilters(q.Filters)
	if err != nil {
		return nil, nil, err
	}
	var matchedIDs []string
	recs := make([]store.Record, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		if !matches(fields, wanted) {
			continue
		}
		rec, err := decodeHash(fields)
		if err != nil {
			return nil, nil, err
		}
		matchedIDs = append(matchedIDs, ids[i])
		recs = append(recs, rec)
		if q.Limit > 0 && len(recs) == q.Limit {
			break
		}
	}
	return matchedIDs, recs, nil
}

func encodePairs(rec store.Record) ([]any, error) {
	out := make([]any, 0, 2*len(rec))
	for k, v := range rec {
		enc, err := store.EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out = append(out, k, enc)
	}
	return out, nil
}

func scoreRange(q store.Query) (string, string) {
	lo, hi := "-inf", "+inf"
	if !q.Since.IsZero() {
		lo = strconv.FormatInt(q.Since.UnixMilli(), 10)
	}
	if !q.Before.IsZero() {
		hi = "(" + strconv.FormatInt(q.Before.UnixMilli(), 10)
	}
	return lo, hi
}

func encodeFilters(filters map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(filters))
	for k, v := range filters {
		enc, err := store.EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode filter %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

func matches(fields map[string]string, wanted map[string]string) bool {
	for k, v := range wanted {
		got, ok := fields[k]
		if !ok {
			got = "null"
		}
		if got != v {
			return false
		}
	}
	return true
}

func decodeHash(fields map[string]string) (store.Record, error) {
	rec := make(store.Record, len(fields))
	for k, raw := range fields {
		if k == indexedAtField {
			continue
		}
		v, err := store.DecodeJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode field %s: %w", k, err)
		}
		rec[k] = v
	}
	return rec, nil
}

// KEYS: record hash, collection index. ARGV: score, id, then field/value pairs.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i=3,#ARGV,2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// KEYS: record hash. ARGV: expect pair count, expect pairs, then field/value pairs.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local n = tonumber(ARGV[1])
for i=2,1+2*n,2 do
  local cur = redis.call('HGET', KEYS[1], ARGV[i])
  if not cur then
    cur = 'null'
  end
  if cur ~= ARGV[i+1] then
    return 0
  end
end
for i=2+2*n,#ARGV,2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// KEYS: collection index. ARGV: min score, max score, record key prefix, then
// field/encoded value pairs. Missing fields compare as "null".
var countScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[2])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local ok = true
    for i=4,#ARGV,2 do
      local v = redis.call('HGET', key, ARGV[i])
      if not v then v = 'null' end
      if v ~= ARGV[i+1] then
        ok = false
        break
      end
    end
    if ok then n = n + 1 end
  end
end
return n
`)
