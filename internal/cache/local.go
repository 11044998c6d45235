package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

type localItem struct {
	data    string
	expires time.Time
}

// Local is an in-process LRU Cache bounded by entry count. The default TTL is
// enforced by the LRU itself; a shorter per-entry TTL is checked on read and a
// longer one is capped at the default.
type Local struct {
	lru        *expirable.LRU[string, localItem]
	defaultTTL time.Duration
	now        func() time.Time
}

// NewLocal creates a local cache. maxEntries <= 0 means unbounded.
func NewLocal(maxEntries int, defaultTTL time.Duration) *Local {
	if defaultTTL <= 0 {
		defaultTTL = DefaultConfig().DefaultTTL
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &Local{
		lru:        expirable.NewLRU[string, localItem](maxEntries, nil, defaultTTL),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Set stores a value, evicting the least recently used entry when full
func (l *Local) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := serialize(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}
	if ttl <= 0 || ttl > l.defaultTTL {
		ttl = l.defaultTTL
	}
	l.lru.Add(key.String(), localItem{data: data, expires: l.now().Add(ttl)})
	return nil
}

// Get retrieves a value; expired entries are misses
func (l *Local) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	k := key.String()
	item, ok := l.lru.Get(k)
	if !ok {
		return errors.NewNotFoundError("cache key")
	}
	if !l.now().Before(item.expires) {
		l.lru.Remove(k)
		return errors.NewNotFoundError("cache key")
	}
	if err := deserialize(item.data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}
	return nil
}

// Delete removes a value
func (l *Local) Delete(ctx context.Context, key CacheKey) error {
	l.lru.Remove(key.String())
	return nil
}

// Len reports the number of cached entries
func (l *Local) Len() int {
	return l.lru.Len()
}

// Close drops every entry
func (l *Local) Close() error {
	l.lru.Purge()
	return nil
}
