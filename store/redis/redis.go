// Package redis implements store.Store on a shared Redis cache for
// multi-process deployments. Records are stored as JSON values under a key
// prefix; expiry relies on Redis TTLs, so no janitor is needed. A get/set
// pair is not assumed atomic; only the individual commands are.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kmorand/vigil/store"
)

// Store implements store.Store backed by a Redis client.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix overrides the default "vigil:quota" key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, ":") }
}

// New creates a Redis-backed quota store.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: "vigil:quota"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(key string) string {
	return s.prefix + ":" + key
}

// wrapErr tags backend failures so callers can recognise an outage.
func wrapErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, store.ErrUnavailable, err)
}

func (s *Store) Get(ctx context.Context, key string) (store.Record, bool, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, wrapErr("get", err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated as absent; the caller will
		// reinitialize the window.
		return store.Record{}, false, nil
	}
	if rec.Expired(time.Now()) {
		return store.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) Set(ctx context.Context, key string, rec store.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding quota record: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.rdb.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return wrapErr("set", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return wrapErr("del", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return wrapErr("scan", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrapErr("del", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 0).Iterator()
	size := 0
	for iter.Next(ctx) {
		size++
	}
	if err := iter.Err(); err != nil {
		return store.Stats{}, wrapErr("scan", err)
	}
	return store.Stats{Size: size, Backend: "redis"}, nil
}
