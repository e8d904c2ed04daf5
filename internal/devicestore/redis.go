package devicestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "shield:devices:"

// RedisStore keeps one set of hashed fingerprints per account.
// The set expiry is refreshed on every Remember.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStore creates a store on client. ttl <= 0 disables expiry.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and checks connectivity
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("devicestore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("devicestore: ping redis: %w", err)
	}
	return client, nil
}

func accountKey(accountID string) string {
	return keyPrefix + accountID
}

func (s *RedisStore) Known(ctx context.Context, accountID, fingerprint string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, accountKey(accountID), hashFingerprint(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("devicestore: lookup: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Remember(ctx context.Context, accountID, fingerprint string) error {
	key := accountKey(accountID)

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, hashFingerprint(fingerprint))
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("devicestore: remember: %w", err)
	}
	return nil
}
