// Package tenants resolves the tenant of a request from its host and builds
// tenant-specific links.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warocol/purchasing/internal/shared"
)

// ErrUnknownSite is returned when no active tenant site matches a host.
var ErrUnknownSite = fmt.Errorf("tenants: unknown site: %w", shared.ErrNotFound)

// Tenant is a resolved tenant and the site it was reached through.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	BrandName string    `json:"brand_name"`
	Site      string    `json:"site"`
}

// Store looks up tenants.
type Store interface {
	FindBySite(ctx context.Context, site string) (Tenant, error)
	PrimarySite(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// Repository is the PostgreSQL tenant store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindBySite returns the tenant owning an active site.
func (r *Repository) FindBySite(ctx context.Context, site string) (Tenant, error) {
	var t Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT t.id, t.name, t.brand_name, s.site
		FROM tenant_sites s JOIN tenants t ON t.id = s.tenant_id
		WHERE s.site = $1 AND s.is_active`, site).Scan(&t.ID, &t.Name, &t.BrandName, &t.Site)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrUnknownSite
	}
	return t, err
}

// PrimarySite returns the first active site of a tenant.
func (r *Repository) PrimarySite(ctx context.Context, tenantID uuid.UUID) (string, error) {
	var site string
	err := r.pool.QueryRow(ctx, `
		SELECT site FROM tenant_sites WHERE tenant_id = $1 AND is_active ORDER BY site LIMIT 1`, tenantID).Scan(&site)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownSite
	}
	return site, err
}

// ForUser returns the tenants a user has signed in to, by name. Site is the
// tenant's primary active site, empty when it has none.
func (r *Repository) ForUser(ctx context.Context, userID uuid.UUID) ([]Tenant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.name, t.brand_name,
		       COALESCE((SELECT s.site FROM tenant_sites s
		                 WHERE s.tenant_id = t.id AND s.is_active ORDER BY s.site LIMIT 1), '')
		FROM tenant_members m JOIN tenants t ON t.id = m.tenant_id
		WHERE m.user_id = $1
		ORDER BY t.name`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Tenant, error) {
		var t Tenant
		err := row.Scan(&t.ID, &t.Name, &t.BrandName, &t.Site)
		return t, err
	})
}

// Links builds supplier portal links.
type Links struct {
	store   Store
	baseURL string
}

// NewLinks constructs a link builder. A non-empty baseURL overrides tenant sites.
func NewLinks(store Store, baseURL string) *Links {
	return &Links{store: store, baseURL: strings.TrimRight(baseURL, "/")}
}

// BaseURL returns the public origin of a tenant.
func (l *Links) BaseURL(ctx context.Context, tenantID uuid.UUID) (string, error) {
	if l.baseURL != "" {
		return l.baseURL, nil
	}
	site, err := l.store.PrimarySite(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return "https://" + site, nil
}

// PortalLink returns {base}/proveedor/{token}.
func (l *Links) PortalLink(ctx context.Context, tenantID uuid.UUID, token uuid.UUID) (string, error) {
	base, err := l.BaseURL(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/proveedor/%s", base, token), nil
}
