// Package presence tracks which connection IDs are currently live for each
// (app_id, user_id) pair. Its count is the authoritative signal for whether
// a user is still connected from anywhere, gating channel-member cleanup in
// the collaboration handler's on_close path.
package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SessionHandler is the capability interface the WebSocket server depends
// on for connection lifecycle bookkeeping.
type SessionHandler interface {
	Add(ctx context.Context, appID, userID, connectionID string) error
	Remove(ctx context.Context, appID, userID, connectionID string) error
	Count(ctx context.Context, appID, userID string) (int64, error)
}

// RedisSessionRegistry implements SessionHandler with a Redis set per
// (app_id, user_id) key, following the same key-building convention as the
// document store.
type RedisSessionRegistry struct {
	client *redis.Client
}

func NewRedisSessionRegistry(client *redis.Client) *RedisSessionRegistry {
	return &RedisSessionRegistry{client: client}
}

func sessionKey(appID, userID string) string {
	return fmt.Sprintf("session:%s:%s", appID, userID)
}

func (r *RedisSessionRegistry) Add(ctx context.Context, appID, userID, connectionID string) error {
	if err := r.client.SAdd(ctx, sessionKey(appID, userID), connectionID).Err(); err != nil {
		return fmt.Errorf("presence: add %s/%s: %w", appID, userID, err)
	}
	return nil
}

func (r *RedisSessionRegistry) Remove(ctx context.Context, appID, userID, connectionID string) error {
	if err := r.client.SRem(ctx, sessionKey(appID, userID), connectionID).Err(); err != nil {
		return fmt.Errorf("presence: remove %s/%s: %w", appID, userID, err)
	}
	return nil
}

func (r *RedisSessionRegistry) Count(ctx context.Context, appID, userID string) (int64, error) {
	n, err := r.client.SCard(ctx, sessionKey(appID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: count %s/%s: %w", appID, userID, err)
	}
	return n, nil
}

// MemorySessionRegistry is an in-memory SessionHandler for tests.
type MemorySessionRegistry struct {
	sets map[string]map[string]struct{}
}

func NewMemorySessionRegistry() *MemorySessionRegistry {
	return &MemorySessionRegistry{sets: make(map[string]map[string]struct{})}
}

func (m *MemorySessionRegistry) Add(_ context.Context, appID, userID, connectionID string) error {
	key := sessionKey(appID, userID)
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	m.sets[key][connectionID] = struct{}{}
	return nil
}

func (m *MemorySessionRegistry) Remove(_ context.Context, appID, userID, connectionID string) error {
	key := sessionKey(appID, userID)
	delete(m.sets[key], connectionID)
	return nil
}

func (m *MemorySessionRegistry) Count(_ context.Context, appID, userID string) (int64, error) {
	return int64(len(m.sets[sessionKey(appID, userID)])), nil
}
