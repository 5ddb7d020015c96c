// Package redis wires the memory.Store interface to Redis.
//
// Memory records are JSON documents under convmem:<conversation_id> keys with
// a rolling TTL. The package also exports DedupeGuard, the SETNX-based
// webhook replay filter used by the HTTP layer.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/driveline-ai/driveline/runtime/memory"
)

const (
	keyPrefix       = "convmem:"
	dedupeKeyPrefix = "webhook:seen:"

	// DedupeTTL is how long a webhook message id is remembered.
	DedupeTTL = 24 * time.Hour

	storeName = "memory-redis"
)

// Commands is the subset of redis commands the store issues. Satisfied by
// *redis.Client; tests substitute a fake built on redis.NewStringResult and
// friends.
type Commands interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// Options configures the Store.
type Options struct {
	// Redis is the connection the store issues commands on. Required.
	Redis Commands
	// TTL overrides the record lifetime. Defaults to memory.TTL.
	TTL time.Duration
}

// Store implements memory.Store on Redis.
type Store struct {
	redis Commands
	ttl   time.Duration
	now   func() time.Time
}

// NewStore builds a Redis-backed memory store.
func NewStore(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = memory.TTL
	}
	return &Store{redis: opts.Redis, ttl: ttl, now: time.Now}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.redis.Ping(ctx).Err()
}

// Load implements memory.Store. A missing or expired key yields an empty
// Memory with the ConversationID set.
func (s *Store) Load(ctx context.Context, conversationID string) (memory.Memory, error) {
	if conversationID == "" {
		return memory.Memory{}, errors.New("conversation id is required")
	}
	raw, err := s.redis.Get(ctx, keyPrefix+conversationID).Result()
	if errors.Is(err, goredis.Nil) {
		return memory.Memory{ConversationID: conversationID}, nil
	}
	if err != nil {
		return memory.Memory{}, fmt.Errorf("load memory: %w", err)
	}
	var m memory.Memory
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return memory.Memory{}, fmt.Errorf("decode memory: %w", err)
	}
	m.ConversationID = conversationID
	return m, nil
}

// Save implements memory.Store. Each save refreshes the TTL.
func (s *Store) Save(ctx context.Context, m memory.Memory) error {
	if m.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	m.UpdatedAt = s.now().UTC()
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	if err := s.redis.Set(ctx, keyPrefix+m.ConversationID, encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// Delete implements memory.Store. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if err := s.redis.Del(ctx, keyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// DedupeGuard filters webhook replays by provider message id. The first call
// for an id claims it; later calls within DedupeTTL report a duplicate.
type DedupeGuard struct {
	redis Commands
	ttl   time.Duration
}

// NewDedupeGuard builds a guard on the given connection.
func NewDedupeGuard(client Commands) (*DedupeGuard, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &DedupeGuard{redis: client, ttl: DedupeTTL}, nil
}

// FirstSeen reports whether this provider message id is new. On Redis errors
// it returns the error and the caller decides; the gateway processes the
// message rather than dropping it.
func (g *DedupeGuard) FirstSeen(ctx context.Context, provider, messageID string) (bool, error) {
	if provider == "" || messageID == "" {
		return false, errors.New("provider and message id are required")
	}
	key := dedupeKeyPrefix + provider + ":" + messageID
	claimed, err := g.redis.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check: %w", err)
	}
	return claimed, nil
}
