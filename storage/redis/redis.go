// Package redis implements storage.Repository on Redis. Records are stored
// as JSON under a key prefix and expire through Redis' native TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/irbridge/irgate/storage"
)

// DefaultPrefix is prepended to every session key.
const DefaultPrefix = "irgate:session:"

// Store implements storage.Repository backed by a Redis client.
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository wraps an existing client. An empty prefix selects
// DefaultPrefix.
func NewRepository(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// NewRepositoryFromAddr dials addr and verifies the connection with PING.
func NewRepositoryFromAddr(ctx context.Context, addr string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRepository(client, ""), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) Put(ctx context.Context, id string, envelope *storage.Envelope, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, id)
		}
	}
	data, err := json.Marshal(storage.Record{Envelope: envelope, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(id), data, ttl).Err()
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Envelope, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	if rec.Expired(s.now()) || rec.Envelope == nil {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return rec.Envelope, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}
