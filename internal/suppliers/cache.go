package suppliers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const tokenKeyPrefix = "purchasing:supplier-token:"

// cachedSupplier mirrors Supplier including the token, which Supplier hides from JSON.
type cachedSupplier struct {
	Supplier
	Token uuid.UUID `json:"access_token"`
}

// TokenCache keeps resolved portal tokens in Redis.
type TokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTokenCache constructs a cache. A nil client disables caching.
func NewTokenCache(client *redis.Client, ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TokenCache{client: client, ttl: ttl}
}

// Get returns the cached supplier for token. ok is false on a miss.
func (c *TokenCache) Get(ctx context.Context, token uuid.UUID) (Supplier, bool, error) {
	if c == nil || c.client == nil {
		return Supplier{}, false, nil
	}
	raw, err := c.client.Get(ctx, tokenKeyPrefix+token.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return Supplier{}, false, nil
	}
	if err != nil {
		return Supplier{}, false, err
	}
	var cached cachedSupplier
	if err := json.Unmarshal(raw, &cached); err != nil {
		return Supplier{}, false, err
	}
	cached.Supplier.AccessToken = cached.Token
	return cached.Supplier, true, nil
}

// Set stores the supplier under its token.
func (c *TokenCache) Set(ctx context.Context, s Supplier) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(cachedSupplier{Supplier: s, Token: s.AccessToken})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, tokenKeyPrefix+s.AccessToken.String(), raw, c.ttl).Err()
}

// Invalidate drops a token from the cache.
func (c *TokenCache) Invalidate(ctx context.Context, token uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, tokenKeyPrefix+token.String()).Err()
}
