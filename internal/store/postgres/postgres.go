// Package postgres stores records as JSONB documents, one table per collection.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ai-task-platform/internal/store"
)

// Backend wraps pgxpool for Postgres persistence.
type Backend struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Backend)(nil)

// Open creates a pooled connection to Postgres.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func (b *Backend) Close() error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

// table maps a collection to its table. Collections are a closed set, so the
// returned name is safe to interpolate.
func table(col store.Collection) (string, error) {
	if err := store.CheckCollection(col); err != nil {
		return "", err
	}
	return string(col), nil
}

func (b *Backend) Insert(ctx context.Context, col store.Collection, id string, indexedAt time.Time, rec store.Record) error {
	tbl, err := table(col)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	tag, err := b.pool.Exec(ctx, `
		INSERT INTO `+tbl+` (id, indexed_at, doc)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, id, indexedAt.UTC(), string(doc))
	if err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, col store.Collection, id string) (store.Record, error) {
	tbl, err := table(col)
	if err != nil {
		return nil, err
	}
	var doc []byte
	err = b.pool.QueryRow(ctx, `SELECT doc FROM `+tbl+` WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return decode(doc)
}

// Update merges fields into the stored document in one statement, guarded by a
// containment check on expect.
func (b *Backend) Update(ctx context.Context, col store.Collection, id string, fields store.Record, expect store.Record) error {
	tbl, err := table(col)
	if err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	if expect == nil {
		expect = store.Record{}
	}
	guard, err := json.Marshal(expect)
	if err != nil {
		return fmt.Errorf("marshal expect: %w", err)
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE `+tbl+`
		SET doc = doc || $2::jsonb
		WHERE id = $1 AND doc @> $3::jsonb
	`, id, string(patch), string(guard))
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := b.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+tbl+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (b *Backend) Find(ctx context.Context, col store.Collection, q store.Query) ([]store.Record, error) {
	tbl, err := table(col)
	if err != nil {
		return nil, err
	}
	where, args, err := whereClause(q)
	if err != nil {
		return nil, err
	}
	sql := `SELECT doc FROM ` + tbl + where + ` ORDER BY indexed_at DESC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	out := []store.Record{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *Backend) Delete(ctx context.Context, col store.Collection, id string) error {
	tbl, err := table(col)
	if err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+tbl+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (b *Backend) Count(ctx context.Context, col store.Collection, q store.Query) (int64, error) {
	tbl, err := table(col)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := b.pool.QueryRow(ctx, `SELECT count(*) FROM `+tbl+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (b *Backend) DeleteWhere(ctx context.Context, col store.Collection, q store.Query) (int64, error) {
	tbl, err := table(col)
	if err != nil {
		return 0, err
	}
	where, args, err := whereClause(q)
	if err != nil {
		return 0, err
	}
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+tbl+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete where: %w", err)
	}
	return tag.RowsAffected(), nil
}

func whereClause(q store.Query) (string, []any, error) {
	var conds []string
	var args []any
	if len(q.Filters) > 0 {
		filter, err := json.Marshal(q.Filters)
		if err != nil {
			return "", nil, fmt.Errorf("marshal filters: %w", err)
		}
		args = append(args, string(filter))
		conds = append(conds, fmt.Sprintf("doc @> $%d::jsonb", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		conds = append(conds, fmt.Sprintf("indexed_at >= $%d", len(args)))
	}
	if !q.Before.IsZero() {
		args = append(args, q.Before.UTC())
		conds = append(conds, fmt.Sprintf("indexed_at < $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func decode(doc []byte) (store.Record, error) {
	rec, err := store.DecodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}
