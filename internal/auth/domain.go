// Package auth implements passwordless staff login through emailed magic links.
package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warocol/purchasing/internal/shared"
)

// ErrInvalidLink is returned for unknown, expired or already used links and codes.
var ErrInvalidLink = fmt.Errorf("auth: invalid or expired link: %w", shared.ErrUnauthenticated)

// ErrNoTenant is returned when a request reached no known tenant site.
var ErrNoTenant = fmt.Errorf("auth: tenant required: %w", shared.ErrUnauthenticated)

// User is a staff account. Accounts are global; tenancy comes from the site logged into.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Link is a pending magic link as stored in Redis.
type Link struct {
	Token     string    `json:"token"`
	CodeHash  []byte    `json:"code_hash"`
	UserID    uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Email     string    `json:"email"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expires_at"`
}
