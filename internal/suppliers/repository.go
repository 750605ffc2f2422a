package suppliers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warocol/purchasing/internal/shared"
)

var (
	// ErrNotFound is returned for suppliers outside the caller's scope.
	ErrNotFound = fmt.Errorf("suppliers: %w", shared.ErrNotFound)
	// ErrInUse is returned when deleting a supplier that purchases still reference.
	ErrInUse = fmt.Errorf("suppliers: supplier has purchases: %w", shared.ErrConflict)
)

// RepositoryPort describes supplier persistence.
type RepositoryPort interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (Supplier, error)
	List(ctx context.Context, f ListFilter) ([]Supplier, int, error)
	FindByToken(ctx context.Context, token uuid.UUID) (Supplier, error)
	Insert(ctx context.Context, s Supplier) error
	Update(ctx context.Context, s Supplier) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	UpdateToken(ctx context.Context, tenantID, id, token uuid.UUID) error
}

// Repository is the PostgreSQL supplier store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const supplierColumns = `id, tenant_id, name, contact_name, tax_id, address, COALESCE(email, ''), phone, payment_terms, access_token, is_active, created_at, updated_at`

func scanSupplier(row pgx.Row) (Supplier, error) {
	var s Supplier
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.ContactName, &s.TaxID, &s.Address, &s.Email, &s.Phone,
		&s.PaymentTerms, &s.AccessToken, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Supplier{}, ErrNotFound
	}
	return s, err
}

func nullableEmail(email string) *string {
	if email == "" {
		return nil
	}
	return &email
}

// Get returns one supplier of a tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Supplier, error) {
	return scanSupplier(r.pool.QueryRow(ctx, `SELECT `+supplierColumns+` FROM tenant_suppliers WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

// List returns one page of a tenant's suppliers, newest first, and the total match count.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Supplier, int, error) {
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := arg("%" + strings.ToLower(s) + "%")
		where = append(where, fmt.Sprintf("(LOWER(name) LIKE %s OR LOWER(COALESCE(tax_id, '')) LIKE %s)", pattern, pattern))
	}
	if f.IsActive != nil {
		where = append(where, "is_active = "+arg(*f.IsActive))
	}
	if terms := strings.TrimSpace(f.PaymentTerms); terms != "" {
		where = append(where, "LOWER(payment_terms) = LOWER("+arg(terms)+")")
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenant_suppliers`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + supplierColumns + ` FROM tenant_suppliers` + clause +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %s OFFSET %s", arg(f.Limit), arg(f.Offset))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Supplier
	for rows.Next() {
		s, err := scanSupplier(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// FindByToken resolves an active supplier by portal token across tenants.
func (r *Repository) FindByToken(ctx context.Context, token uuid.UUID) (Supplier, error) {
	return scanSupplier(r.pool.QueryRow(ctx, `SELECT `+supplierColumns+` FROM tenant_suppliers WHERE access_token = $1 AND is_active`, token))
}

// Insert persists a supplier.
func (r *Repository) Insert(ctx context.Context, s Supplier) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tenant_suppliers (id, tenant_id, name, contact_name, tax_id, address, email, phone, payment_terms,
			access_token, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		s.ID, s.TenantID, s.Name, s.ContactName, s.TaxID, s.Address, nullableEmail(s.Email), s.Phone, s.PaymentTerms,
		s.AccessToken, s.IsActive, s.CreatedAt)
	return err
}

// Update writes the editable fields of a supplier.
func (r *Repository) Update(ctx context.Context, s Supplier) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tenant_suppliers
		SET name = $3, contact_name = $4, tax_id = $5, address = $6, email = $7, phone = $8,
			payment_terms = $9, is_active = $10, updated_at = $11
		WHERE id = $1 AND tenant_id = $2`,
		s.ID, s.TenantID, s.Name, s.ContactName, s.TaxID, s.Address, nullableEmail(s.Email), s.Phone,
		s.PaymentTerms, s.IsActive, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a supplier. Suppliers referenced by purchases are kept.
func (r *Repository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tenant_suppliers WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrInUse
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateToken replaces the portal token of a supplier.
func (r *Repository) UpdateToken(ctx context.Context, tenantID, id, token uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tenant_suppliers SET access_token = $1, updated_at = NOW() WHERE id = $2 AND tenant_id = $3`, token, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
