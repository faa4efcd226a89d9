// Package store implements the Resource Store (spec.md §4.1): a durable
// mapping from name to AdapterRecord/ToolRecord, with selectable in-memory
// and redis-backed implementations, and the narrow DocumentStore interface
// for the (non-goal, externally supplied) document-db backend.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/microsoft/mcp-gateway/internal/apierr"
)

// Store is the Resource Store contract from spec.md §4.1, generic over the
// record type so AdapterRecord and ToolRecord each get their own store
// instance without duplicating the backend logic.
type Store[T any] interface {
	TryGet(ctx context.Context, name string) (*T, bool, error)
	Upsert(ctx context.Context, name string, record *T) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*T, error)
}

// DocumentStore is the narrow interface a concrete document-database client
// would be consumed through. spec.md §1 lists the concrete document-db
// client as an external collaborator; this module wires no driver behind
// it (see DESIGN.md). A caller configuring resourceStore.kind=document-db
// must supply an implementation.
type DocumentStore[T any] interface {
	Store[T]
}

// InMemory is a sync.Map-backed Store, used for local dev and tests.
// Grounded on internal/session/cache.go's in-memory branch.
type InMemory[T any] struct {
	data sync.Map
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory[T any]() *InMemory[T] {
	return &InMemory[T]{}
}

// TryGet implements Store.
func (s *InMemory[T]) TryGet(_ context.Context, name string) (*T, bool, error) {
	v, ok := s.data.Load(name)
	if !ok {
		return nil, false, nil
	}
	rec := v.(*T)
	return rec, true, nil
}

// Upsert implements Store.
func (s *InMemory[T]) Upsert(_ context.Context, name string, record *T) error {
	s.data.Store(name, record)
	return nil
}

// Delete implements Store.
func (s *InMemory[T]) Delete(_ context.Context, name string) error {
	s.data.Delete(name)
	return nil
}

// List implements Store.
func (s *InMemory[T]) List(_ context.Context) ([]*T, error) {
	var out []*T
	s.data.Range(func(_, v any) bool {
		out = append(out, v.(*T))
		return true
	})
	return out, nil
}

// Dynamic wraps a Store[T] so the backend it delegates to can be swapped at
// runtime (resourceStore.kind/redisAddr changing under a live config
// reload, spec.md SPEC_FULL A2) without disturbing callers holding the
// Dynamic itself as their Store[T].
type Dynamic[T any] struct {
	current atomic.Pointer[Store[T]]
}

// NewDynamic constructs a Dynamic wrapping initial.
func NewDynamic[T any](initial Store[T]) *Dynamic[T] {
	d := &Dynamic[T]{}
	d.Swap(initial)
	return d
}

// Swap replaces the backend Dynamic delegates to. In-flight calls against
// the previous backend complete normally; only subsequent calls observe s.
func (d *Dynamic[T]) Swap(s Store[T]) {
	d.current.Store(&s)
}

// TryGet implements Store.
func (d *Dynamic[T]) TryGet(ctx context.Context, name string) (*T, bool, error) {
	return (*d.current.Load()).TryGet(ctx, name)
}

// Upsert implements Store.
func (d *Dynamic[T]) Upsert(ctx context.Context, name string, record *T) error {
	return (*d.current.Load()).Upsert(ctx, name, record)
}

// Delete implements Store.
func (d *Dynamic[T]) Delete(ctx context.Context, name string) error {
	return (*d.current.Load()).Delete(ctx, name)
}

// List implements Store.
func (d *Dynamic[T]) List(ctx context.Context) ([]*T, error) {
	return (*d.current.Load()).List(ctx)
}

// Redis is a distributed-cache-backed Store. Records are stored as JSON
// blobs in a redis hash (HSET <kind> <name> <json>) with the hash itself
// acting as the secondary name-index spec.md §4.1 requires implementations
// to tolerate partial reads against - if a HGETALL races a delete, the
// missing field is simply dropped from the returned list, never an error.
// Grounded on internal/session/cache.go's redis branch
// (AddSession/GetSession/DeleteSessions over an *redis.Client hash).
type Redis[T any] struct {
	client *redis.Client
	kind   string // hash key, e.g. "adapters" or "tools"
}

// NewRedis constructs a Store backed by the given redis client, namespaced
// under kind (its hash key).
func NewRedis[T any](client *redis.Client, kind string) *Redis[T] {
	return &Redis[T]{client: client, kind: kind}
}

// TryGet implements Store.
func (s *Redis[T]) TryGet(ctx context.Context, name string) (*T, bool, error) {
	raw, err := s.client.HGet(ctx, s.kind, name).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resource store get %s/%s: %w", s.kind, name, err))
	}
	var rec T
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resource store decode %s/%s: %w", s.kind, name, err))
	}
	return &rec, true, nil
}

// Upsert implements Store.
func (s *Redis[T]) Upsert(ctx context.Context, name string, record *T) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resource store encode %s/%s: %w", s.kind, name, err))
	}
	if err := s.client.HSet(ctx, s.kind, name, raw).Err(); err != nil {
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resource store upsert %s/%s: %w", s.kind, name, err))
	}
	return nil
}

// Delete implements Store. Deleting an absent name is success.
func (s *Redis[T]) Delete(ctx context.Context, name string) error {
	if err := s.client.HDel(ctx, s.kind, name).Err(); err != nil {
		return apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resource store delete %s/%s: %w", s.kind, name, err))
	}
	return nil
}

// List implements Store. Names present in the hash whose value fails to
// decode are dropped rather than failing the whole list, per spec.md §4.1's
// tolerance for a partial index.
func (s *Redis[T]) List(ctx context.Context) ([]*T, error) {
	all, err := s.client.HGetAll(ctx, s.kind).Result()
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamFailed, fmt.Errorf("resource store list %s: %w", s.kind, err))
	}
	out := make([]*T, 0, len(all))
	for name, raw := range all {
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue // tolerate a partial/corrupt entry, per spec.md §4.1
		}
		_ = name
		out = append(out, &rec)
	}
	return out, nil
}
