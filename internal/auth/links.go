package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const linkKeyPrefix = "auth:magic-link:"

// LinkStore keeps one pending link per tenant and email in Redis.
// Saving a new link replaces the previous one, which is how older links are retired.
type LinkStore struct {
	client *redis.Client
}

// NewLinkStore constructs a LinkStore.
func NewLinkStore(client *redis.Client) *LinkStore {
	return &LinkStore{client: client}
}

// Save stores link for ttl.
func (s *LinkStore) Save(ctx context.Context, link Link, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidLink
	}
	raw, err := json.Marshal(link)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, linkKey(link.TenantID, link.Email), raw, ttl).Err()
}

// Get returns the pending link for email on a tenant.
func (s *LinkStore) Get(ctx context.Context, tenantID uuid.UUID, email string) (Link, error) {
	raw, err := s.client.Get(ctx, linkKey(tenantID, email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Link{}, ErrInvalidLink
	}
	if err != nil {
		return Link{}, err
	}
	var link Link
	if err := json.Unmarshal(raw, &link); err != nil {
		return Link{}, err
	}
	return link, nil
}

// Consume deletes the link. It reports false when another request consumed it first.
func (s *LinkStore) Consume(ctx context.Context, tenantID uuid.UUID, email string) (bool, error) {
	n, err := s.client.Del(ctx, linkKey(tenantID, email)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordFailure counts a wrong code, keeping the remaining TTL.
func (s *LinkStore) RecordFailure(ctx context.Context, link Link) (Link, error) {
	link.Attempts++
	raw, err := json.Marshal(link)
	if err != nil {
		return link, err
	}
	err = s.client.Set(ctx, linkKey(link.TenantID, link.Email), raw, redis.KeepTTL).Err()
	return link, err
}

func linkKey(tenantID uuid.UUID, email string) string {
	return linkKeyPrefix + tenantID.String() + ":" + normalizeEmail(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
