package memory

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
)

// RedisConfig addresses the redis backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; defaults to "agentctx"
	Prefix string
}

// RedisBackend stores entries as JSON strings with set-based indexes:
//
//	<prefix>:entry:<id>                 entry JSON
//	<prefix>:entries                    set of all entry ids
//	<prefix>:session:<session>          set of entry ids per session
//	<prefix>:checkpoint:<id>            checkpoint JSON
//	<prefix>:checkpoints[:<session>]    sorted sets scored by creation time
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

// OpenRedis connects to redis and verifies the connection
func OpenRedis(ctx context.Context, config RedisConfig, logger *logging.Logger) (*RedisBackend, error) {
	if config.Addr == "" {
		return nil, errors.NewValidationError("redis backend requires an address")
	}
	if config.Prefix == "" {
		config.Prefix = "agentctx"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.NewStorageError("open", err)
	}

	return &RedisBackend{
		client: client,
		prefix: config.Prefix,
		logger: logging.OrNop(logger).Named("redis_backend"),
	}, nil
}

func (b *RedisBackend) key(parts ...string) string {
	k := b.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBackend) sessionKey(sessionID string) string {
	if sessionID == "" {
		sessionID = defaultSession
	}
	return b.key("session", sessionID)
}

func (b *RedisBackend) Put(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewStorageError("put", err)
	}

	previous, err := b.Get(ctx, entry.ID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return err
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.SessionID != entry.SessionID {
			pipe.SRem(ctx, b.sessionKey(previous.SessionID), entry.ID)
		}
		pipe.Set(ctx, b.key("entry", entry.ID), data, 0)
		pipe.SAdd(ctx, b.key("entries"), entry.ID)
		pipe.SAdd(ctx, b.sessionKey(entry.SessionID), entry.ID)
		return nil
	})
	if err != nil {
		return errors.NewStorageError("put", err)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.key("entry", id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.NewNotFoundError("memory entry")
		}
		return nil, errors.NewStorageError("get", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.NewStorageError("get", err)
	}
	return &entry, nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	entry, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.key("entry", id))
		pipe.SRem(ctx, b.key("entries"), id)
		pipe.SRem(ctx, b.sessionKey(entry.SessionID), id)
		return nil
	})
	if err != nil {
		return errors.NewStorageError("delete", err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context, query Query) ([]*Entry, error) {
	indexKey := b.key("entries")
	if query.SessionID != "" {
		indexKey = b.sessionKey(query.SessionID)
	}

	ids, err := b.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, errors.NewStorageError("list", err)
	}
	if len(ids) == 0 {
		return []*Entry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.key("entry", id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.NewStorageError("list", err)
	}

	entries := make([]*Entry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			b.logger.Warn("Skipping undecodable entry", "entry_id", ids[i], "error", err)
			continue
		}
		entries = append(entries, &entry)
	}

	sortEntries(entries)
	return filterEntries(entries, query), nil
}

func (b *RedisBackend) PutCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return errors.NewStorageError("put checkpoint", err)
	}
	score := float64(checkpoint.CreatedAt.UnixMilli())
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key("checkpoint", checkpoint.ID), data, 0)
		pipe.ZAdd(ctx, b.key("checkpoints"), redis.Z{Score: score, Member: checkpoint.ID})
		pipe.ZAdd(ctx, b.key("checkpoints", checkpoint.SessionID), redis.Z{Score: score, Member: checkpoint.ID})
		return nil
	})
	if err != nil {
		return errors.NewStorageError("put checkpoint", err)
	}
	return nil
}

func (b *RedisBackend) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := b.client.Get(ctx, b.key("checkpoint", id)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.NewNotFoundError("checkpoint")
		}
		return nil, errors.NewStorageError("get checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.NewStorageError("get checkpoint", err)
	}
	return &cp, nil
}

func (b *RedisBackend) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	indexKey := b.key("checkpoints")
	if sessionID != "" {
		indexKey = b.key("checkpoints", sessionID)
	}
	ids, err := b.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, errors.NewStorageError("list checkpoints", err)
	}

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := b.GetCheckpoint(ctx, id)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.NewStorageError("ping", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Purge removes every key under the backend prefix
func (b *RedisBackend) Purge(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return errors.NewStorageError("purge", err)
		}
	}
	if err := iter.Err(); err != nil {
		return errors.NewStorageError("purge", fmt.Errorf("scan: %w", err))
	}
	return nil
}
