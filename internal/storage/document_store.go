// Package storage persists CRDT channel documents keyed by (app_id,
// channel_id). The last-writer-wins byte semantics are safe here because
// every value written is already a full state-as-update computed by the
// CRDT engine above this layer — merge history is baked into the bytes
// before they ever reach the store.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DocumentStore is the capability interface the collaboration core depends
// on, so tests can substitute MemoryDocumentStore for a live Redis instance.
type DocumentStore interface {
	Get(ctx context.Context, appID, channelID string) ([]byte, error)
	Put(ctx context.Context, appID, channelID string, state []byte) error
	Delete(ctx context.Context, appID, channelID string) error
}

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = fmt.Errorf("storage: document not found")

// RedisDocumentStore implements DocumentStore against Redis, mirroring the
// connection-pool and timeout configuration the rest of this codebase uses
// for its Redis client.
type RedisDocumentStore struct {
	client *redis.Client
}

// NewRedisDocumentStore dials Redis and verifies connectivity before
// returning, so configuration mistakes surface at startup, not at first use.
func NewRedisDocumentStore(redisURL string) (*RedisDocumentStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid redis url: %w", err)
	}
	opts.PoolSize = 25
	opts.MinIdleConns = 5
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("storage: failed to ping redis: %w", err)
	}

	return &RedisDocumentStore{client: client}, nil
}

func docKey(appID, channelID string) string {
	return fmt.Sprintf("%s:doc:%s", appID, channelID)
}

func (s *RedisDocumentStore) Get(ctx context.Context, appID, channelID string) ([]byte, error) {
	val, err := s.client.Get(ctx, docKey(appID, channelID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", appID, channelID, err)
	}
	return val, nil
}

func (s *RedisDocumentStore) Put(ctx context.Context, appID, channelID string, state []byte) error {
	if err := s.client.Set(ctx, docKey(appID, channelID), state, 0).Err(); err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", appID, channelID, err)
	}
	return nil
}

func (s *RedisDocumentStore) Delete(ctx context.Context, appID, channelID string) error {
	if err := s.client.Del(ctx, docKey(appID, channelID)).Err(); err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", appID, channelID, err)
	}
	return nil
}

func (s *RedisDocumentStore) Close() error {
	return s.client.Close()
}

// MemoryDocumentStore is an in-memory DocumentStore for tests, substituting
// for Redis behind the same interface the way the teacher's own tests
// inject fakes for external dependencies.
type MemoryDocumentStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryDocumentStore returns an empty in-memory store.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{data: make(map[string][]byte)}
}

func (s *MemoryDocumentStore) Get(_ context.Context, appID, channelID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[docKey(appID, channelID)]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryDocumentStore) Put(_ context.Context, appID, channelID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[docKey(appID, channelID)] = state
	return nil
}

func (s *MemoryDocumentStore) Delete(_ context.Context, appID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, docKey(appID, channelID))
	return nil
}
