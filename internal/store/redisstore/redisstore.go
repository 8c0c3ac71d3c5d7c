// Package redisstore persists stage records as JSON values in Redis. SETNX on
// the record key provides the at-most-once write.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
	"github.com/drblury/orderflow/internal/store"
)

// KeyPrefix namespaces every key written by the store.
const KeyPrefix = "orderflow"

// Store keeps one key per record: orderflow:<stage>:<order_id>.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return New(client), nil
}

// Key returns the Redis key for a record.
func Key(stage, orderID string) string {
	return KeyPrefix + ":" + stage + ":" + orderID
}

func (s *Store) Persist(ctx context.Context, r store.Record) (store.Record, store.Result, error) {
	r, err := store.Prepare(r, s.now())
	if err != nil {
		return store.Record{}, 0, err
	}
	payload, err := jsoncodec.Marshal(r)
	if err != nil {
		return store.Record{}, 0, store.Fail("encode record", err)
	}

	created, err := s.client.SetNX(ctx, Key(r.Stage, r.OrderID), payload, 0).Result()
	if err != nil {
		return store.Record{}, 0, store.Fail("setnx", err)
	}
	if created {
		return r, store.Applied, nil
	}

	existing, err := s.Get(ctx, r.Stage, r.OrderID)
	if err != nil {
		return store.Record{}, 0, store.Fail("read existing record", err)
	}
	return existing, store.AlreadyApplied, nil
}

func (s *Store) Get(ctx context.Context, stage, orderID string) (store.Record, error) {
	raw, err := s.client.Get(ctx, Key(stage, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("redis get: %w", err)
	}

	var r store.Record
	if err := jsoncodec.Unmarshal(raw, &r); err != nil {
		return store.Record{}, fmt.Errorf("decode record %s: %w", Key(stage, orderID), err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
