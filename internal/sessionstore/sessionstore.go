// Package sessionstore implements the Session Store (spec.md §4.2): a
// durable mapping from an MCP session id to the backend target URL it is
// pinned to, with at-least-once durability and bounded staleness. Adapted
// from internal/session/cache.go, which manages the same shape of mapping
// (gateway session -> per-upstream session id) over either a sync.Map or a
// redis hash.
package sessionstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/microsoft/mcp-gateway/internal/apierr"
)

// DefaultTTL is the session entry lifetime: long enough to outlive a
// reasonably long MCP streamable-HTTP session (spec.md §3), refreshed on
// every write.
const DefaultTTL = 30 * time.Minute

// Store is the Session Store contract from spec.md §4.2.
type Store interface {
	// Get returns the backend target URL for session, or ok=false on miss.
	Get(ctx context.Context, session string) (target string, ok bool, err error)
	// Set records session -> target. Last-writer-wins; callers never need
	// to delete explicitly, entries expire on their own.
	Set(ctx context.Context, session, target string) error
}

type entry struct {
	target    string
	expiresAt time.Time
}

// InMemory is a sync.Map-backed Store with a TTL sweep on read, grounded on
// the in-memory session cache branch.
type InMemory struct {
	ttl  time.Duration
	data sync.Map
}

// NewInMemory constructs an in-memory session store with DefaultTTL.
func NewInMemory() *InMemory {
	return &InMemory{ttl: DefaultTTL}
}

// Get implements Store.
func (s *InMemory) Get(_ context.Context, session string) (string, bool, error) {
	v, ok := s.data.Load(session)
	if !ok {
		return "", false, nil
	}
	e := v.(entry)
	if time.Now().After(e.expiresAt) {
		s.data.Delete(session)
		return "", false, nil
	}
	return e.target, true, nil
}

// Set implements Store.
func (s *InMemory) Set(_ context.Context, session, target string) error {
	s.data.Store(session, entry{target: target, expiresAt: time.Now().Add(s.ttl)})
	return nil
}

// Dynamic wraps a Store so the backend it delegates to can be swapped at
// runtime (sessionStore.kind/redisAddr changing under a live config
// reload, spec.md SPEC_FULL A2).
type Dynamic struct {
	current atomic.Pointer[Store]
}

// NewDynamic constructs a Dynamic wrapping initial.
func NewDynamic(initial Store) *Dynamic {
	d := &Dynamic{}
	d.Swap(initial)
	return d
}

// Swap replaces the backend Dynamic delegates to.
func (d *Dynamic) Swap(s Store) {
	d.current.Store(&s)
}

// Get implements Store.
func (d *Dynamic) Get(ctx context.Context, session string) (string, bool, error) {
	return (*d.current.Load()).Get(ctx, session)
}

// Set implements Store.
func (d *Dynamic) Set(ctx context.Context, session, target string) error {
	return (*d.current.Load()).Set(ctx, session, target)
}

// Redis is a redis-backed Store, one key per session holding the target
// URL as its value, with DefaultTTL as the key expiry. Grounded on
// internal/session/cache.go's AddSession/GetSession over *redis.Client.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis constructs a Store backed by client with DefaultTTL.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ttl: DefaultTTL}
}

// Get implements Store.
func (s *Redis) Get(ctx context.Context, session string) (string, bool, error) {
	target, err := s.client.Get(ctx, sessionKey(session)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierr.New(apierr.KindUpstreamFailed, err)
	}
	return target, true, nil
}

// Set implements Store.
func (s *Redis) Set(ctx context.Context, session, target string) error {
	if err := s.client.Set(ctx, sessionKey(session), target, s.ttl).Err(); err != nil {
		return apierr.New(apierr.KindUpstreamFailed, err)
	}
	return nil
}

func sessionKey(session string) string {
	return "mcp-session:" + session
}
