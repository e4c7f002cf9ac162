package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "clawops:cache:"

// RedisStore keeps each entry under its own key with a native expiry and the
// recency order in a sorted set, so Redis drops expired entries by itself.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(ctx context.Context, redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		now:    time.Now,
	}, nil
}

func (s *RedisStore) orderKey() string { return s.prefix + "lru" }
func (s *RedisStore) statsKey() string { return s.prefix + "stats" }
func (s *RedisStore) entryKey(key string) string {
	return s.prefix + "entry:" + key
}

func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	statsJSON, err := s.client.Get(ctx, s.statsKey()).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	default:
		if err := json.Unmarshal([]byte(statsJSON), &snap.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode cache stats: %w", err)
		}
	}

	keys, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache order: %w", err)
	}
	if len(keys) == 0 {
		return snap, nil
	}

	entryKeys := make([]string, len(keys))
	for i, k := range keys {
		entryKeys[i] = s.entryKey(k)
	}

	values, err := s.client.MGet(ctx, entryKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entries: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// expired in Redis
			continue
		}

		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		snap.Entries = append(snap.Entries, e)
	}

	return snap, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	old, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache order: %w", err)
	}

	statsJSON, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode cache stats: %w", err)
	}

	now := s.now()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range old {
			pipe.Del(ctx, s.entryKey(k))
		}
		pipe.Del(ctx, s.orderKey())
		pipe.Set(ctx, s.statsKey(), statsJSON, 0)

		for i, e := range snap.Entries {
			ttl := e.ExpiresAt.Sub(now)
			if ttl <= 0 {
				continue
			}

			entryJSON, err := json.Marshal(e)
			if err != nil {
				return err
			}

			pipe.Set(ctx, s.entryKey(e.Key), entryJSON, ttl)
			pipe.ZAdd(ctx, s.orderKey(), redis.Z{Score: float64(i), Member: e.Key})
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache snapshot: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
