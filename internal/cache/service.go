package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

// Cache stores JSON-serialized values with a TTL. Get returns a not_found
// error on a miss.
type Cache interface {
	Get(ctx context.Context, key CacheKey, dest interface{}) error
	Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key CacheKey) error
	Close() error
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	Prefix string
	ID     string
}

// String returns the formatted cache key
func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

// Cache key prefixes
const (
	PrefixCheckpoint = "checkpoint"
)

// CheckpointKey is the key of a cached checkpoint
func CheckpointKey(id string) CacheKey {
	return CacheKey{Prefix: PrefixCheckpoint, ID: id}
}

// Config holds cache configuration
type Config struct {
	DefaultTTL time.Duration `json:"default_ttl"`
	// Namespace is prepended to every redis key
	Namespace string `json:"namespace"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL: 1 * time.Hour,
		Namespace:  "agentctx:cache",
	}
}

// Service is a redis-backed Cache
type Service struct {
	redis  redis.UniversalClient
	config *Config
}

// NewService creates a new cache service over an existing client. The
// service does not own the client unless closed explicitly.
func NewService(client redis.UniversalClient, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}

	return &Service{
		redis:  client,
		config: config,
	}
}

func (s *Service) key(key CacheKey) string {
	if s.config.Namespace == "" {
		return key.String()
	}
	return s.config.Namespace + ":" + key.String()
}

// Set stores a value in cache with the specified TTL
func (s *Service) Set(ctx context.Context, key CacheKey, value interface{}, ttl time.Duration) error {
	data, err := serialize(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl == 0 {
		ttl = s.config.DefaultTTL
	}

	if err := s.redis.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return errors.NewInternalError("failed to set cache value").WithCause(err)
	}

	return nil
}

// Get retrieves a value from cache
func (s *Service) Get(ctx context.Context, key CacheKey, dest interface{}) error {
	data, err := s.redis.Get(ctx, s.key(key)).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return errors.NewNotFoundError("cache key")
		}
		return errors.NewInternalError("failed to get cache value").WithCause(err)
	}

	if err := deserialize(data, dest); err != nil {
		return errors.NewInternalError("failed to deserialize cache value").WithCause(err)
	}

	return nil
}

// Delete removes a value from cache
func (s *Service) Delete(ctx context.Context, key CacheKey) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.NewInternalError("failed to delete cache key").WithCause(err)
	}
	return nil
}

// TTL returns the remaining time to live of a key
func (s *Service) TTL(ctx context.Context, key CacheKey) (time.Duration, error) {
	ttl, err := s.redis.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, errors.NewInternalError("failed to get TTL").WithCause(err)
	}
	return ttl, nil
}

// Close closes the underlying client
func (s *Service) Close() error {
	return s.redis.Close()
}

// serialize converts a value to JSON
func serialize(value interface{}) (string, error) {
	if str, ok := value.(string); ok {
		return str, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// deserialize converts JSON to a value
func deserialize(data string, dest interface{}) error {
	if str, ok := dest.(*string); ok {
		*str = data
		return nil
	}

	return json.Unmarshal([]byte(data), dest)
}
