package purchasing

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type txRepo struct {
	tx pgx.Tx
}

var purchaseUpdatable = []string{
	"status", "supplier_id", "purchase_date", "delivery_date", "total_amount", "tax_amount",
	"document_type", "invoice_number", "invoice_date", "invoice_amount",
	"payment_method", "payment_reference", "payment_amount", "payment_date",
	"payment_type", "credit_days", "payment_due_date", "payment_balance",
	"requires_advance_payment", "consolidation_group",
	"confirmation_number", "tracking_number", "carrier", "estimated_delivery_date",
	"package_count", "package_condition", "received_by", "verified_by",
	"cancellation_reason", "notes",
	"confirmed_at", "shipped_at", "received_at", "verified_at", "invoiced_at", "paid_at", "cancelled_at",
}

var itemUpdatable = []string{
	"unit_cost", "total_cost", "quantity_received", "item_condition", "quality_status",
	"quality_notes", "verification_notes", "received_at", "verified_at",
}

// setClause renders "col = $n" pairs in a stable order, rejecting unknown columns.
func setClause(updates map[string]any, allowed []string, start int) (string, []any, error) {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		if !slices.Contains(allowed, k) {
			return "", nil, fmt.Errorf("purchasing: column %q is not updatable", k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", k, start+i))
		args = append(args, normalizeArg(updates[k]))
	}
	return strings.Join(clauses, ", "), args, nil
}

func normalizeArg(v any) any {
	switch t := v.(type) {
	case Status:
		return string(t)
	case *DocumentType:
		if t == nil {
			return nil
		}
		return string(*t)
	case DocumentType:
		return string(t)
	case PaymentType:
		return string(t)
	}
	return v
}

// LockPurchase loads the purchase and holds its row lock until commit.
func (t *txRepo) LockPurchase(ctx context.Context, tenantID, id uuid.UUID) (Purchase, error) {
	return getPurchase(ctx, t.tx, tenantID, id, true)
}

// NextSequence atomically increments the tenant's counter for year.
func (t *txRepo) NextSequence(ctx context.Context, tenantID uuid.UUID, year int) (int, error) {
	var next int
	err := t.tx.QueryRow(ctx, `
		INSERT INTO purchase_number_counters (tenant_id, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, year) DO UPDATE SET last_value = purchase_number_counters.last_value + 1
		RETURNING last_value`, tenantID, year).Scan(&next)
	return next, err
}

// InsertPurchase persists the purchase header.
func (t *txRepo) InsertPurchase(ctx context.Context, p Purchase) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tenant_purchases (
			id, tenant_id, supplier_id, purchase_number, status, purchase_date, delivery_date,
			total_amount, tax_amount, payment_type, credit_days, payment_due_date,
			requires_advance_payment, consolidation_group, estimated_delivery_date, notes,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`,
		p.ID, p.TenantID, p.SupplierID, p.PurchaseNumber, string(p.Status), p.PurchaseDate, p.DeliveryDate,
		p.TotalAmount, p.TaxAmount, string(p.PaymentType), p.CreditDays, p.PaymentDueDate,
		p.AdvancePayment, p.Consolidation, p.EstimatedDeliveryDate, p.Notes,
		p.CreatedBy, p.CreatedAt,
	)
	return err
}

// UpdatePurchase applies a partial column update.
func (t *txRepo) UpdatePurchase(ctx context.Context, tenantID, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	set, args, err := setClause(updates, purchaseUpdatable, 1)
	if err != nil {
		return err
	}
	n := len(args)
	args = append(args, time.Now(), id, tenantID)
	query := fmt.Sprintf(`UPDATE tenant_purchases SET %s, updated_at = $%d WHERE id = $%d AND tenant_id = $%d`, set, n+1, n+2, n+3)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePurchase removes the purchase; items, history and attachments cascade.
func (t *txRepo) DeletePurchase(ctx context.Context, tenantID, id uuid.UUID) error {
	if err := t.DeleteItems(ctx, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM tenant_purchases WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertItem persists one line at position.
func (t *txRepo) InsertItem(ctx context.Context, it Item, position int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO tenant_purchase_items (
			id, purchase_id, ingredient_id, quantity, unit, unit_cost, total_cost,
			expiry_date, batch_number, notes, position, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		it.ID, it.PurchaseID, it.IngredientID, it.Quantity, it.Unit, it.UnitCost, it.TotalCost,
		it.ExpiryDate, it.BatchNumber, it.Notes, position, it.CreatedAt,
	)
	return err
}

// DeleteItems removes every line of a purchase.
func (t *txRepo) DeleteItems(ctx context.Context, purchaseID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM tenant_purchase_items WHERE purchase_id = $1`, purchaseID)
	return err
}

// UpdateItemByIngredient updates the lines of a purchase that reference ingredientID.
func (t *txRepo) UpdateItemByIngredient(ctx context.Context, purchaseID, ingredientID uuid.UUID, updates map[string]any) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	set, args, err := setClause(updates, itemUpdatable, 1)
	if err != nil {
		return 0, err
	}
	n := len(args)
	args = append(args, purchaseID, ingredientID)
	query := fmt.Sprintf(`UPDATE tenant_purchase_items SET %s WHERE purchase_id = $%d AND ingredient_id = $%d`, set, n+1, n+2)
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertHistory appends a history entry.
func (t *txRepo) InsertHistory(ctx context.Context, e HistoryEntry) error {
	doc, err := EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var from *string
	if e.FromStatus != nil {
		s := string(*e.FromStatus)
		from = &s
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO purchase_status_history (id, purchase_id, tenant_id, from_status, to_status, changed_by, changed_at, metadata, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.PurchaseID, e.TenantID, from, string(e.ToStatus), e.ChangedBy, e.ChangedAt, doc, e.Notes,
	)
	return err
}

// FindLatestEntry returns the most recent entry that moved the purchase into status to.
func (t *txRepo) FindLatestEntry(ctx context.Context, tenantID, purchaseID uuid.UUID, to Status) (HistoryEntry, error) {
	return scanHistory(t.tx.QueryRow(ctx, `SELECT `+historyColumns+`
		FROM purchase_status_history h
		WHERE h.purchase_id = $1 AND h.tenant_id = $2 AND h.to_status = $3
		ORDER BY h.changed_at DESC, h.seq DESC
		LIMIT 1`, purchaseID, tenantID, string(to)))
}

// RewriteEntryMetadata replaces the metadata document of an entry. Status columns are never touched.
func (t *txRepo) RewriteEntryMetadata(ctx context.Context, tenantID, entryID uuid.UUID, meta Metadata) error {
	doc, err := EncodeMetadata(meta)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_status_history SET metadata = $1 WHERE id = $2 AND tenant_id = $3`, doc, entryID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAttachment writes one attachment row inside a savepoint so a failed
// insert does not abort the enclosing transaction.
func (t *txRepo) InsertAttachment(ctx context.Context, a Attachment) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO purchase_attachments (`+attachmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.PurchaseID, a.TenantID, a.HistoryEntryID, a.StorageKey, a.FileName, a.FileSize,
		a.MimeType, string(a.Type), a.Description, a.UploadedBy, a.UploadedAt,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// DeleteAttachment removes one attachment row.
func (t *txRepo) DeleteAttachment(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM purchase_attachments WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
