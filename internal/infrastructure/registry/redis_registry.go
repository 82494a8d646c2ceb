// Package registry provides the live-stream registry backing resumable
// generations: a Redis implementation shared across instances, and an
// in-process fallback for deployments without Redis.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"knowsee/chat-relay/internal/domain/generation"
)

const keyPrefix = "chatrelay:"

// RedisRegistry stores stream claims and replay buffers in Redis, so any
// instance can refuse a duplicate attempt or replay one started elsewhere.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(redisURL string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, ttl: ttl}, nil
}

func lockKey(conversationID string) string {
	return keyPrefix + "lock:" + conversationID
}

func bufferKey(streamID string) string {
	return keyPrefix + "buffer:" + streamID
}

func terminalKey(streamID string) string {
	return keyPrefix + "terminal:" + streamID
}

// Register claims the conversation with SETNX. The lock carries the stream
// TTL so a crashed instance cannot wedge the conversation forever.
func (r *RedisRegistry) Register(ctx context.Context, conversationID, streamID string) error {
	ok, err := r.client.SetNX(ctx, lockKey(conversationID), streamID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim conversation: %w", err)
	}
	if !ok {
		return generation.ErrStreamActive
	}
	return nil
}

func (r *RedisRegistry) Append(ctx context.Context, streamID, payload string) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, bufferKey(streamID), payload)
	pipe.Expire(ctx, bufferKey(streamID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append to replay buffer: %w", err)
	}
	return nil
}

// Close marks the attempt terminal and releases the claim, but only when this
// attempt still holds it. A later attempt's claim is never released by an
// earlier one closing late.
func (r *RedisRegistry) Close(ctx context.Context, conversationID, streamID string) error {
	if err := r.client.Set(ctx, terminalKey(streamID), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}

	holder, err := r.client.Get(ctx, lockKey(conversationID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read claim: %w", err)
	}
	if holder != streamID {
		return nil
	}
	if err := r.client.Del(ctx, lockKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Resume(ctx context.Context, streamID string) (*generation.StreamSnapshot, error) {
	payloads, err := r.client.LRange(ctx, bufferKey(streamID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay buffer: %w", err)
	}

	terminal, err := r.client.Exists(ctx, terminalKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read terminal flag: %w", err)
	}

	if len(payloads) == 0 && terminal == 0 {
		return nil, nil
	}
	return &generation.StreamSnapshot{Payloads: payloads, Terminal: terminal > 0}, nil
}

func (r *RedisRegistry) Resumable() bool { return true }

// CloseClient releases the underlying connection pool.
func (r *RedisRegistry) CloseClient() error {
	return r.client.Close()
}

var _ generation.Registry = (*RedisRegistry)(nil)
