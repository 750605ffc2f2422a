package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines persistence operations for the auth module.
type Repository interface {
	FindOrCreateUser(ctx context.Context, email string) (User, error)
	AddMember(ctx context.Context, tenantID, userID uuid.UUID) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindOrCreateUser returns the user registered under email, creating it on first login.
func (r *PGRepository) FindOrCreateUser(ctx context.Context, email string) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (email, name) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, name, created_at`,
		email, defaultName(email),
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	return u, err
}

// AddMember records that a user signed in to a tenant. Repeats are no-ops.
func (r *PGRepository) AddMember(ctx context.Context, tenantID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_members (tenant_id, user_id) VALUES ($1, $2)
		ON CONFLICT (tenant_id, user_id) DO NOTHING`, tenantID, userID)
	return err
}

func defaultName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

var _ Repository = (*PGRepository)(nil)
