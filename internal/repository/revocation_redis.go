package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/realty-api/internal/models"
)

const revokedKeyPrefix = "revoked:"

// RedisRevocationStore is a Redis-backed RevocationStore. Entries expire
// through Redis key TTLs, so garbage collection is delegated to the
// server and PurgeExpired is a no-op.
type RedisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore creates a new instance of RedisRevocationStore.
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

// IsBlacklisted checks for a live entry by exact token string.
func (s *RedisRevocationStore) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKeyPrefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

// Blacklist stores the entry keyed by token string with a TTL matching
// the token's own expiry. SET is idempotent, so double revocation never
// produces two live entries.
func (s *RedisRevocationStore) Blacklist(ctx context.Context, entry *models.RevokedToken) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		// Already past its natural expiry; nothing left to revoke.
		return nil
	}
	value := fmt.Sprintf("%s:%s:%s", entry.TokenType, entry.UserID, entry.Reason)
	if err := s.client.Set(ctx, revokedKeyPrefix+entry.Token, value, ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis evicts expired keys itself.
func (s *RedisRevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
