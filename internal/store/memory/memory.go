// Package memory is an in-process store.Backend for development and tests.
// Records are kept JSON-encoded so callers never share mutable state with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"ai-task-platform/internal/store"
)

type entry struct {
	id        string
	indexedAt time.Time
	doc       []byte
}

// Backend keeps every collection in a map guarded by one RWMutex.
type Backend struct {
	mu          sync.RWMutex
	collections map[store.Collection]map[string]*entry
	closed      bool
}

var _ store.Backend = (*Backend)(nil)

func New() *Backend {
	b := &Backend{collections: make(map[store.Collection]map[string]*entry)}
	for _, col := range store.Collections() {
		b.collections[col] = make(map[string]*entry)
	}
	return b
}

func (b *Backend) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory backend closed")
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) Insert(_ context.Context, col store.Collection, id string, indexedAt time.Time, rec store.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.collection(col)
	if err != nil {
		return err
	}
	if _, exists := entries[id]; exists {
		return store.ErrDuplicate
	}
	entries[id] = &entry{id: id, indexedAt: indexedAt.UTC(), doc: doc}
	return nil
}

func (b *Backend) Get(_ context.Context, col store.Collection, id string) (store.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, err := b.collection(col)
	if err != nil {
		return nil, err
	}
	e, ok := entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return decode(e.doc)
}

func (b *Backend) Update(_ context.Context, col store.Collection, id string, fields store.Record, expect store.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.collection(col)
	if err != nil {
		return err
	}
	e, ok := entries[id]
	if !ok {
		return store.ErrNotFound
	}
	rec, err := decode(e.doc)
	if err != nil {
		return err
	}
	match, err := matches(rec, expect)
	if err != nil {
		return err
	}
	if !match {
		return store.ErrConflict
	}
	for k, v := range fields {
		rec[k] = v
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	e.doc = doc
	return nil
}

func (b *Backend) Find(_ context.Context, col store.Collection, q store.Query) ([]store.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	selected, err := b.selectEntries(col, q)
	if err != nil {
		return nil, err
	}
	out := make([]store.Record, 0, len(selected))
	for _, e := range selected {
		rec, err := decode(e.doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Backend) Count(_ context.Context, col store.Collection, q store.Query) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q.Limit = 0
	selected, err := b.selectEntries(col, q)
	if err != nil {
		return 0, err
	}
	return int64(len(selected)), nil
}

func (b *Backend) Delete(_ context.Context, col store.Collection, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.collection(col)
	if err != nil {
		return err
	}
	if _, ok := entries[id]; !ok {
		return store.ErrNotFound
	}
	delete(entries, id)
	return nil
}

func (b *Backend) DeleteWhere(_ context.Context, col store.Collection, q store.Query) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q.Limit = 0
	selected, err := b.selectEntries(col, q)
	if err != nil {
		return 0, err
	}
	entries := b.collections[col]
	for _, e := range selected {
		delete(entries, e.id)
	}
	return int64(len(selected)), nil
}

// selectEntries must be called with b.mu held.
func (b *Backend) selectEntries(col store.Collection, q store.Query) ([]*entry, error) {
	entries, err := b.collection(col)
	if err != nil {
		return nil, err
	}
	var out []*entry
	for _, e := range entries {
		if !q.Since.IsZero() && e.indexedAt.Before(q.Since) {
			continue
		}
		if !q.Before.IsZero() && !e.indexedAt.Before(q.Before) {
			continue
		}
		if len(q.Filters) > 0 {
			rec, err := decode(e.doc)
			if err != nil {
				return nil, err
			}
			ok, err := matches(rec, q.Filters)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].indexedAt.Equal(out[j].indexedAt) {
			return out[i].id < out[j].id
		}
		return out[i].indexedAt.After(out[j].indexedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (b *Backend) collection(col store.Collection) (map[string]*entry, error) {
	if b.closed {
		return nil, fmt.Errorf("memory backend closed")
	}
	if err := store.CheckCollection(col); err != nil {
		return nil, err
	}
	return b.collections[col], nil
}

func decode(doc []byte) (store.Record, error) {
	rec, err := store.DecodeDocument(doc)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func matches(rec store.Record, want map[string]any) (bool, error) {
	for k, v := range want {
		got, err := store.EncodeValue(rec[k])
		if err != nil {
			return false, err
		}
		exp, err := store.EncodeValue(v)
		if err != nil {
			return false, err
		}
		if got != exp {
			return false, nil
		}
	}
	return true, nil
}
