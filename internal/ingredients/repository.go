// Package ingredients is the read-only catalog that purchase lines are validated against.
package ingredients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warocol/purchasing/internal/shared"
)

// ErrNotFound is returned for ingredients outside the tenant's catalog.
var ErrNotFound = fmt.Errorf("ingredients: %w", shared.ErrNotFound)

// Ingredient is a catalog entry with its canonical unit.
type Ingredient struct {
	ID                   uuid.UUID           `json:"id"`
	TenantID             uuid.UUID           `json:"tenant_id"`
	Name                 string              `json:"name"`
	Unit                 string              `json:"unit"`
	Category             *string             `json:"category,omitempty"`
	Description          *string             `json:"description,omitempty"`
	MinimumOrderQuantity decimal.NullDecimal `json:"minimum_order_quantity"`
	// SupplierID is the supplier of the most recent priced purchase line.
	SupplierID *uuid.UUID `json:"supplier_id,omitempty"`
}

// ListFilter narrows a catalog listing.
type ListFilter struct {
	TenantID   uuid.UUID
	Search     string
	Category   string
	SupplierID *uuid.UUID
	Limit      int
	Offset     int
}

// Repository reads ingredients from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const latestSupplier = `(SELECT p.supplier_id FROM tenant_purchase_items pi
	JOIN tenant_purchases p ON p.id = pi.purchase_id
	WHERE pi.ingredient_id = i.id AND pi.unit_cost IS NOT NULL
	ORDER BY p.created_at DESC LIMIT 1)`

const ingredientColumns = `i.id, i.tenant_id, i.name, i.unit, i.category, i.description, i.minimum_order_quantity, ` + latestSupplier

func scanIngredient(row pgx.Row) (Ingredient, error) {
	var ing Ingredient
	err := row.Scan(&ing.ID, &ing.TenantID, &ing.Name, &ing.Unit, &ing.Category, &ing.Description,
		&ing.MinimumOrderQuantity, &ing.SupplierID)
	return ing, err
}

// Lookup returns one ingredient of a tenant.
func (r *Repository) Lookup(ctx context.Context, tenantID, id uuid.UUID) (Ingredient, error) {
	ing, err := scanIngredient(r.pool.QueryRow(ctx,
		`SELECT `+ingredientColumns+` FROM ingredients i WHERE i.id = $1 AND i.tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Ingredient{}, ErrNotFound
	}
	return ing, err
}

// List returns one page of a tenant's catalog by name, with the total match count.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Ingredient, int, error) {
	args := []any{f.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	where := []string{"i.tenant_id = $1"}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := arg("%" + s + "%")
		where = append(where, fmt.Sprintf("(i.name ILIKE %s OR i.description ILIKE %s)", p, p))
	}
	if c := strings.TrimSpace(f.Category); c != "" {
		where = append(where, "LOWER(i.category) = LOWER("+arg(c)+")")
	}
	if f.SupplierID != nil {
		where = append(where, latestSupplier+" = "+arg(*f.SupplierID))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingredients i WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + ingredientColumns + ` FROM ingredients i WHERE ` + clause +
		` ORDER BY i.name LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Ingredient, error) {
		return scanIngredient(row)
	})
	return list, total, err
}
