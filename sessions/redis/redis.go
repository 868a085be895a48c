// Package redis provides a sessions.Store backed by Redis. Each record is a
// JSON string under its own key so Redis handles expiry natively.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/airtable-mcp-server/sessions"
	"github.com/redis/go-redis/v9"
)

var _ sessions.Store = (*Store)(nil)

// Config for the Redis-backed store.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created.
	Client redis.UniversalClient
	// KeyPrefix for all keys. Defaults to "airtable-mcp:sessions:".
	KeyPrefix string
	// TTL is the sliding lifetime of a record. Zero disables expiry.
	TTL time.Duration
}

// Store is a Redis implementation of sessions.Store.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// New creates a Redis-backed store.
func New(cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "airtable-mcp:sessions:"
	}
	return &Store{client: client, keyPrefix: prefix, ttl: cfg.TTL}
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) Create(ctx context.Context, rec sessions.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (sessions.Record, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	if err != nil {
		return sessions.Record{}, fmt.Errorf("redis get: %w", err)
	}
	var rec sessions.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return sessions.Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return rec, nil
}

func (s *Store) Touch(ctx context.Context, id string) error {
	if s.ttl <= 0 {
		n, err := s.client.Exists(ctx, s.key(id)).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n == 0 {
			return sessions.ErrSessionNotFound
		}
		return nil
	}
	ok, err := s.client.Expire(ctx, s.key(id), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}
