package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MikeRubio/botflow/internal/models"
)

const (
	redisStatePrefix = "botflow:conversation:"
	redisLockPrefix  = "botflow:lock:"

	// DefaultLockTTL bounds how long a crashed worker can hold a
	// conversation lock before it expires on its own.
	DefaultLockTTL = 30 * time.Second

	lockRetryInterval = 50 * time.Millisecond
)

// RedisStateStore keeps hot conversation state in Redis and provides
// cross-process conversation locks via SET NX. It is meant to sit in
// front of a durable Store when botflow runs more than one replica.
type RedisStateStore struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

// RedisOpts holds configuration for the Redis state store.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	StateTTL time.Duration
	LockTTL  time.Duration
}

// RedisOption configures a RedisStateStore.
type RedisOption func(*RedisOpts)

// WithRedisPassword sets the Redis AUTH password.
func WithRedisPassword(password string) RedisOption {
	return func(o *RedisOpts) { o.Password = password }
}

// WithRedisDB selects the Redis logical database.
func WithRedisDB(db int) RedisOption {
	return func(o *RedisOpts) { o.DB = db }
}

// WithStateTTL sets the expiry applied to cached conversation state.
// Zero means no expiry.
func WithStateTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.StateTTL = ttl }
}

// WithLockTTL sets the expiry applied to conversation locks.
func WithLockTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.LockTTL = ttl }
}

// NewRedisStateStore connects to Redis at addr and verifies the
// connection with a ping.
func NewRedisStateStore(addr string, opts ...RedisOption) (*RedisStateStore, error) {
	cfg := RedisOpts{Addr: addr, LockTTL: DefaultLockTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address not set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("RedisStateStore ping failed", "error", err, "addr", cfg.Addr)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	slog.Debug("RedisStateStore ready", "addr", cfg.Addr)
	return &RedisStateStore{client: client, ttl: cfg.StateTTL, lockTTL: cfg.LockTTL}, nil
}

// GetConversationState loads a cached conversation state. A missing key
// returns (nil, nil) so callers treat the conversation as new.
func (s *RedisStateStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	data, err := s.client.Get(ctx, redisStatePrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStateStore GetConversationState failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to read conversation state: %w", err)
	}
	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state for %s: %w", conversationID, err)
	}
	if state.Variables == nil {
		state.Variables = make(map[string]interface{})
	}
	return &state, nil
}

// SaveConversationState writes the state as a JSON blob.
func (s *RedisStateStore) SaveConversationState(ctx context.Context, state models.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state for %s: %w", state.ConversationID, err)
	}
	if err := s.client.Set(ctx, redisStatePrefix+state.ConversationID, data, s.ttl).Err(); err != nil {
		slog.Error("RedisStateStore SaveConversationState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to write conversation state: %w", err)
	}
	return nil
}

// DeleteConversationState removes a cached conversation state.
func (s *RedisStateStore) DeleteConversationState(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, redisStatePrefix+conversationID).Err(); err != nil {
		slog.Error("RedisStateStore DeleteConversationState failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to delete conversation state: %w", err)
	}
	return nil
}

// LockConversation acquires a cross-process lock for the conversation,
// polling until the lock is free or ctx expires. The returned release
// function deletes the lock key.
func (s *RedisStateStore) LockConversation(ctx context.Context, conversationID string) (func(), error) {
	key := redisLockPrefix + conversationID
	for {
		ok, err := s.client.SetNX(ctx, key, "1", s.lockTTL).Result()
		if err != nil {
			slog.Error("RedisStateStore LockConversation failed", "error", err, "conversationID", conversationID)
			return nil, fmt.Errorf("failed to acquire conversation lock: %w", err)
		}
		if ok {
			return func() {
				if err := s.client.Del(context.Background(), key).Err(); err != nil {
					slog.Warn("RedisStateStore failed to release conversation lock", "error", err, "conversationID", conversationID)
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("conversation lock wait aborted: %w", ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

// Close closes the Redis client.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
