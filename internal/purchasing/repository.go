package purchasing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warocol/purchasing/internal/platform/db"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPurchase(ctx context.Context, tenantID, id uuid.UUID) (Purchase, error)
	ListPurchases(ctx context.Context, filter ListFilter) ([]Purchase, int, error)
	ListBySupplier(ctx context.Context, tenantID, supplierID uuid.UUID, status *Status) ([]Purchase, error)
	ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]Purchase, error)
	PeekSequence(ctx context.Context, tenantID uuid.UUID, year int) (int, error)
	ListHistory(ctx context.Context, tenantID, purchaseID uuid.UUID) ([]HistoryEntry, error)
	GetHistoryEntry(ctx context.Context, tenantID, purchaseID, entryID uuid.UUID) (HistoryEntry, error)
	ListAttachments(ctx context.Context, tenantID, purchaseID uuid.UUID) ([]Attachment, error)
	ListEntryAttachments(ctx context.Context, tenantID, entryID uuid.UUID) ([]Attachment, error)
	GetAttachment(ctx context.Context, tenantID, id uuid.UUID) (Attachment, error)
	CountStorageKey(ctx context.Context, key string) (int, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockPurchase(ctx context.Context, tenantID, id uuid.UUID) (Purchase, error)
	NextSequence(ctx context.Context, tenantID uuid.UUID, year int) (int, error)
	InsertPurchase(ctx context.Context, p Purchase) error
	UpdatePurchase(ctx context.Context, tenantID, id uuid.UUID, updates map[string]any) error
	DeletePurchase(ctx context.Context, tenantID, id uuid.UUID) error
	InsertItem(ctx context.Context, item Item, position int) error
	DeleteItems(ctx context.Context, purchaseID uuid.UUID) error
	UpdateItemByIngredient(ctx context.Context, purchaseID, ingredientID uuid.UUID, updates map[string]any) (int64, error)
	InsertHistory(ctx context.Context, entry HistoryEntry) error
	FindLatestEntry(ctx context.Context, tenantID, purchaseID uuid.UUID, to Status) (HistoryEntry, error)
	RewriteEntryMetadata(ctx context.Context, tenantID, entryID uuid.UUID, meta Metadata) error
	InsertAttachment(ctx context.Context, a Attachment) error
	DeleteAttachment(ctx context.Context, tenantID, id uuid.UUID) error
}

// ListFilter narrows purchase listings. TenantID is mandatory.
type ListFilter struct {
	TenantID      uuid.UUID
	Search        string
	Status        *Status
	SupplierID    *uuid.UUID
	PaymentFilter PaymentFilter
	Now           time.Time
	Limit         int
	Offset        int
}

// PaymentFilter selects purchases by their payment due date.
type PaymentFilter string

const (
	PaymentFilterNone        PaymentFilter = ""
	PaymentFilterOverdue     PaymentFilter = "overdue"
	PaymentFilterDueThisWeek PaymentFilter = "due_this_week"
	PaymentFilterPending     PaymentFilter = "pending"
)

// ParsePaymentFilter validates a raw payment filter.
func ParsePaymentFilter(raw string) (PaymentFilter, error) {
	switch f := PaymentFilter(raw); f {
	case PaymentFilterNone, PaymentFilterOverdue, PaymentFilterDueThisWeek, PaymentFilterPending:
		return f, nil
	}
	return "", validationf("invalid payment filter %q", raw)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return translateTxError(err)
}

// translateTxError maps serialization failures to ErrConflict.
func translateTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}

const purchaseColumns = `
	p.id, p.tenant_id, p.supplier_id, COALESCE(s.name, ''), p.purchase_number, p.status,
	p.purchase_date, p.delivery_date, p.total_amount, p.tax_amount,
	p.document_type, p.invoice_number, p.invoice_date, p.invoice_amount,
	p.payment_method, p.payment_reference, p.payment_amount, p.payment_date,
	p.payment_type, p.credit_days, p.payment_due_date, p.payment_balance,
	p.requires_advance_payment, p.consolidation_group,
	p.confirmation_number, p.tracking_number, p.carrier, p.estimated_delivery_date,
	p.package_count, p.package_condition,
	p.received_by, p.verified_by, p.cancellation_reason, p.notes,
	p.created_by, p.created_at, p.updated_at,
	p.confirmed_at, p.shipped_at, p.received_at, p.verified_at,
	p.invoiced_at, p.paid_at, p.cancelled_at`

const purchaseFrom = `
	FROM tenant_purchases p
	LEFT JOIN tenant_suppliers s ON s.id = p.supplier_id AND s.tenant_id = p.tenant_id`

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	var docType *string
	err := row.Scan(
		&p.ID, &p.TenantID, &p.SupplierID, &p.SupplierName, &p.PurchaseNumber, &p.Status,
		&p.PurchaseDate, &p.DeliveryDate, &p.TotalAmount, &p.TaxAmount,
		&docType, &p.InvoiceNumber, &p.InvoiceDate, &p.InvoiceAmount,
		&p.PaymentMethod, &p.PaymentRef, &p.PaymentAmount, &p.PaymentDate,
		&p.PaymentType, &p.CreditDays, &p.PaymentDueDate, &p.PaymentBalance,
		&p.AdvancePayment, &p.Consolidation,
		&p.ConfirmationNumber, &p.TrackingNumber, &p.Carrier, &p.EstimatedDeliveryDate,
		&p.PackageCount, &p.PackageCondition,
		&p.ReceivedBy, &p.VerifiedBy, &p.CancellationReason, &p.Notes,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
		&p.ConfirmedAt, &p.ShippedAt, &p.ReceivedAt, &p.VerifiedAt,
		&p.InvoicedAt, &p.PaidAt, &p.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, err
	}
	if docType != nil {
		d := DocumentType(*docType)
		p.DocumentType = &d
	}
	return p, nil
}

func collectPurchases(rows pgx.Rows) ([]Purchase, error) {
	defer rows.Close()
	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func getPurchase(ctx context.Context, q querier, tenantID, id uuid.UUID, forUpdate bool) (Purchase, error) {
	query := `SELECT` + purchaseColumns + purchaseFrom + ` WHERE p.id = $1 AND p.tenant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE OF p`
	}
	p, err := scanPurchase(q.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return Purchase{}, err
	}
	items, err := loadItems(ctx, q, []uuid.UUID{p.ID})
	if err != nil {
		return Purchase{}, err
	}
	p.Items = items[p.ID]
	return p, nil
}

func loadItems(ctx context.Context, q querier, purchaseIDs []uuid.UUID) (map[uuid.UUID][]Item, error) {
	out := make(map[uuid.UUID][]Item, len(purchaseIDs))
	if len(purchaseIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
		SELECT i.id, i.purchase_id, i.ingredient_id, COALESCE(g.name, ''), i.quantity, i.unit,
		       i.unit_cost, i.total_cost, i.expiry_date, i.batch_number, i.notes,
		       i.quantity_received, i.item_condition, i.quality_status, i.quality_notes,
		       i.verification_notes, i.received_at, i.verified_at, i.created_at
		FROM tenant_purchase_items i
		LEFT JOIN ingredients g ON g.id = i.ingredient_id
		WHERE i.purchase_id = ANY($1)
		ORDER BY i.purchase_id, i.position`, purchaseIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(
			&it.ID, &it.PurchaseID, &it.IngredientID, &it.IngredientName, &it.Quantity, &it.Unit,
			&it.UnitCost, &it.TotalCost, &it.ExpiryDate, &it.BatchNumber, &it.Notes,
			&it.QuantityReceived, &it.ItemCondition, &it.QualityStatus, &it.QualityNotes,
			&it.VerificationNotes, &it.ReceivedAt, &it.VerifiedAt, &it.CreatedAt,
		); err != nil {
			return nil, err
		}
		out[it.PurchaseID] = append(out[it.PurchaseID], it)
	}
	return out, rows.Err()
}

func attachItems(ctx context.Context, q querier, purchases []Purchase) error {
	ids := make([]uuid.UUID, len(purchases))
	for i, p := range purchases {
		ids[i] = p.ID
	}
	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return err
	}
	for i := range purchases {
		purchases[i].Items = items[purchases[i].ID]
	}
	return nil
}

// GetPurchase returns a purchase with its items.
func (r *Repository) GetPurchase(ctx context.Context, tenantID, id uuid.UUID) (Purchase, error) {
	return getPurchase(ctx, r.pool, tenantID, id, false)
}

// ListPurchases returns a page of purchases plus the unpaged total.
func (r *Repository) ListPurchases(ctx context.Context, f ListFilter) ([]Purchase, int, error) {
	where := []string{"p.tenant_id = $1"}
	args := []any{f.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := arg("%" + strings.ToLower(s) + "%")
		where = append(where, fmt.Sprintf("(LOWER(p.purchase_number) LIKE %s OR LOWER(COALESCE(p.invoice_number, '')) LIKE %s)", pattern, pattern))
	}
	if f.Status != nil {
		where = append(where, "p.status = "+arg(string(*f.Status)))
	}
	if f.SupplierID != nil {
		where = append(where, "p.supplier_id = "+arg(*f.SupplierID))
	}
	switch f.PaymentFilter {
	case PaymentFilterOverdue:
		where = append(where, "p.paid_at IS NULL AND p.status <> 'cancelled' AND p.payment_due_date < "+arg(f.Now)+"::date")
	case PaymentFilterDueThisWeek:
		start := arg(f.Now)
		end := arg(f.Now.AddDate(0, 0, 7))
		where = append(where, fmt.Sprintf("p.paid_at IS NULL AND p.status <> 'cancelled' AND p.payment_due_date BETWEEN %s::date AND %s::date", start, end))
	case PaymentFilterPending:
		where = append(where, "p.paid_at IS NULL AND p.status <> 'cancelled'")
	}

	clause := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenant_purchases p`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT` + purchaseColumns + purchaseFrom + clause +
		fmt.Sprintf(" ORDER BY p.created_at DESC LIMIT %s OFFSET %s", arg(f.Limit), arg(f.Offset))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	purchases, err := collectPurchases(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := attachItems(ctx, r.pool, purchases); err != nil {
		return nil, 0, err
	}
	return purchases, total, nil
}

// ListBySupplier returns every purchase placed with supplierID, newest first.
func (r *Repository) ListBySupplier(ctx context.Context, tenantID, supplierID uuid.UUID, status *Status) ([]Purchase, error) {
	query := `SELECT` + purchaseColumns + purchaseFrom + ` WHERE p.tenant_id = $1 AND p.supplier_id = $2`
	args := []any{tenantID, supplierID}
	if status != nil {
		query += ` AND p.status = $3`
		args = append(args, string(*status))
	}
	query += ` ORDER BY p.created_at DESC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	purchases, err := collectPurchases(rows)
	if err != nil {
		return nil, err
	}
	if err := attachItems(ctx, r.pool, purchases); err != nil {
		return nil, err
	}
	return purchases, nil
}

// ListOverdueCandidates returns in-transit purchases whose estimated delivery date has passed.
func (r *Repository) ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]Purchase, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+purchaseColumns+purchaseFrom+`
		WHERE p.status IN ('shipped', 'partially_received')
		  AND p.estimated_delivery_date < $1::date
		ORDER BY p.estimated_delivery_date
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	return collectPurchases(rows)
}

// PeekSequence returns the sequence the next purchase of year would receive.
func (r *Repository) PeekSequence(ctx context.Context, tenantID uuid.UUID, year int) (int, error) {
	var last int
	err := r.pool.QueryRow(ctx, `SELECT last_value FROM purchase_number_counters WHERE tenant_id = $1 AND year = $2`, tenantID, year).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

const historyColumns = `h.id, h.purchase_id, h.tenant_id, h.from_status, h.to_status, h.changed_by, h.changed_at, h.metadata, h.notes`

func scanHistory(row pgx.Row) (HistoryEntry, error) {
	var (
		e    HistoryEntry
		from *string
		doc  []byte
	)
	if err := row.Scan(&e.ID, &e.PurchaseID, &e.TenantID, &from, &e.ToStatus, &e.ChangedBy, &e.ChangedAt, &doc, &e.Notes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HistoryEntry{}, ErrNotFound
		}
		return HistoryEntry{}, err
	}
	if from != nil {
		s := Status(*from)
		e.FromStatus = &s
	}
	meta, err := DecodeMetadata(doc)
	if err != nil {
		return HistoryEntry{}, err
	}
	e.Metadata = meta
	return e, nil
}

// ListHistory returns the history of a purchase ordered by change time.
func (r *Repository) ListHistory(ctx context.Context, tenantID, purchaseID uuid.UUID) ([]HistoryEntry, error) {
	if _, err := r.purchaseExists(ctx, tenantID, purchaseID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+historyColumns+`
		FROM purchase_status_history h
		WHERE h.purchase_id = $1 AND h.tenant_id = $2
		ORDER BY h.changed_at, h.seq`, purchaseID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetHistoryEntry returns one history entry of a purchase.
func (r *Repository) GetHistoryEntry(ctx context.Context, tenantID, purchaseID, entryID uuid.UUID) (HistoryEntry, error) {
	return scanHistory(r.pool.QueryRow(ctx, `SELECT `+historyColumns+`
		FROM purchase_status_history h
		WHERE h.id = $1 AND h.purchase_id = $2 AND h.tenant_id = $3`, entryID, purchaseID, tenantID))
}

func (r *Repository) purchaseExists(ctx context.Context, tenantID, id uuid.UUID) (bool, error) {
	var found bool
	err := r.pool.QueryRow(ctx, `SELECT TRUE FROM tenant_purchases WHERE id = $1 AND tenant_id = $2`, id, tenantID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return found, err
}

const attachmentColumns = `id, purchase_id, tenant_id, history_entry_id, storage_key, file_name, file_size,
	mime_type, attachment_type, description, uploaded_by, uploaded_at`

func scanAttachment(row pgx.Row) (Attachment, error) {
	var a Attachment
	var kind string
	if err := row.Scan(&a.ID, &a.PurchaseID, &a.TenantID, &a.HistoryEntryID, &a.StorageKey, &a.FileName, &a.FileSize,
		&a.MimeType, &kind, &a.Description, &a.UploadedBy, &a.UploadedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attachment{}, ErrNotFound
		}
		return Attachment{}, err
	}
	a.Type = AttachmentType(kind)
	return a, nil
}

func (r *Repository) queryAttachments(ctx context.Context, query string, args ...any) ([]Attachment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAttachments returns every attachment of a purchase.
func (r *Repository) ListAttachments(ctx context.Context, tenantID, purchaseID uuid.UUID) ([]Attachment, error) {
	if _, err := r.purchaseExists(ctx, tenantID, purchaseID); err != nil {
		return nil, err
	}
	return r.queryAttachments(ctx, `SELECT `+attachmentColumns+` FROM purchase_attachments
		WHERE purchase_id = $1 AND tenant_id = $2 ORDER BY uploaded_at, file_name`, purchaseID, tenantID)
}

// ListEntryAttachments returns the attachments ingested with a history entry.
func (r *Repository) ListEntryAttachments(ctx context.Context, tenantID, entryID uuid.UUID) ([]Attachment, error) {
	return r.queryAttachments(ctx, `SELECT `+attachmentColumns+` FROM purchase_attachments
		WHERE history_entry_id = $1 AND tenant_id = $2 ORDER BY uploaded_at, file_name`, entryID, tenantID)
}

// GetAttachment returns one attachment.
func (r *Repository) GetAttachment(ctx context.Context, tenantID, id uuid.UUID) (Attachment, error) {
	return scanAttachment(r.pool.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM purchase_attachments
		WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

// CountStorageKey reports how many attachment rows reference a blob.
func (r *Repository) CountStorageKey(ctx context.Context, key string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_attachments WHERE storage_key = $1`, key).Scan(&n)
	return n, err
}
