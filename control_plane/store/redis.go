package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "fleet:snapshot:"
	overviewKey       = "fleet:overview"
	taskIdemPrefix    = "fleet:task:idem:"

	snapshotTTL = 30 * time.Second
	idemTTL     = 10 * time.Minute
)

// RedisCache holds ephemeral fast-path state: the latest snapshot per
// server, the fleet overview, and task-submission idempotency locks.
// Everything here is rebuildable; durable state lives in the Store.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close releases the underlying client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// SetSnapshot caches the latest snapshot for a server with a short TTL,
// so overview reads and reconnecting dashboards never touch the pollers.
func (r *RedisCache) SetSnapshot(ctx context.Context, snap *MetricSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, snapshotKeyPrefix+snap.ServerID, data, snapshotTTL).Err()
}

// GetSnapshot returns the cached snapshot for a server, or ErrNotFound.
func (r *RedisCache) GetSnapshot(ctx context.Context, serverID string) (*MetricSnapshot, error) {
	data, err := r.client.Get(ctx, snapshotKeyPrefix+serverID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap MetricSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetOverview caches the aggregate fleet overview.
func (r *RedisCache) SetOverview(ctx context.Context, ov *Overview) error {
	data, err := json.Marshal(ov)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, overviewKey, data, snapshotTTL).Err()
}

// GetOverview returns the cached overview, or ErrNotFound.
func (r *RedisCache) GetOverview(ctx context.Context) (*Overview, error) {
	data, err := r.client.Get(ctx, overviewKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ov Overview
	if err := json.Unmarshal(data, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// ClaimTaskKey atomically claims an idempotency key for a task
// submission. Returns the stored task ID and false if the key was
// already claimed (duplicate submission), or taskID and true if this
// caller won the claim.
func (r *RedisCache) ClaimTaskKey(ctx context.Context, key, taskID string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, taskIdemPrefix+key, taskID, idemTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return taskID, true, nil
	}
	existing, err := r.client.Get(ctx, taskIdemPrefix+key).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}
