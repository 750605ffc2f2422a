package shared

import (
	"context"

	"github.com/google/uuid"
)

type sessionContextKey struct{}

type identityContextKey struct{}

// Identity is the authenticated caller of a session-backed request.
type Identity struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Email    string
}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithIdentity stores the resolved caller identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the caller identity or ErrUnauthenticated.
func IdentityFromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	if !ok || id.TenantID == uuid.Nil || id.UserID == uuid.Nil {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}
