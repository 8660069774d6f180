// Package store persists AI tasks, agents, contexts and performance metrics.
//
// Domain objects are translated into flat Records by the Manager and handed to a
// Backend. Backends know nothing about tasks or agents; they store records in
// collections, keyed by id and indexed by a single timestamp.
package store

import (
	"context"
	"fmt"
	"time"
)

// Collection names a group of records.
type Collection string

const (
	Tasks    Collection = "tasks"
	Agents   Collection = "agents"
	Metrics  Collection = "performance_metrics"
	Contexts Collection = "contexts"
)

// Collections lists every collection a backend must provision.
func Collections() []Collection {
	return []Collection{Tasks, Agents, Metrics, Contexts}
}

func (c Collection) Valid() bool {
	switch c {
	case Tasks, Agents, Metrics, Contexts:
		return true
	}
	return false
}

// CheckCollection returns an error for collection names outside the fixed set.
func CheckCollection(c Collection) error {
	if !c.Valid() {
		return fmt.Errorf("unknown collection %q", c)
	}
	return nil
}

// Record is a backend-agnostic flat document. Values are JSON-compatible:
// strings, numbers, booleans, nil, time.Time, []any and map[string]any.
type Record map[string]any

// Query selects records by exact field match and an indexed-time window.
// Zero values leave the corresponding bound open.
type Query struct {
	Filters map[string]any
	Since   time.Time // inclusive
	Before  time.Time // exclusive
	Limit   int
}

// Backend is a generic record store. Implementations must make Insert fail with
// ErrDuplicate on an existing id, Get/Update/Delete fail with ErrNotFound on a
// missing id, and apply Update as one atomic field merge that succeeds only when
// every key in expect currently holds the given value (ErrConflict otherwise).
// Find returns records newest first by indexed time. Count reports how many records
// Find would return without a limit.
type Backend interface {
	Ping(ctx context.Context) error
	Insert(ctx context.Context, col Collection, id string, indexedAt time.Time, rec Record) error
	Get(ctx context.Context, col Collection, id string) (Record, error)
	Update(ctx context.Context, col Collection, id string, fields Record, expect Record) error
	Find(ctx context.Context, col Collection, q Query) ([]Record, error)
	Count(ctx context.Context, col Collection, q Query) (int64, error)
	Delete(ctx context.Context, col Collection, id string) error
	DeleteWhere(ctx context.Context, col Collection, q Query) (int64, error)
	Close() error
}
