package purchasing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LegalInvoiceInput attaches one legal invoice to purchases that were
// invoiced with delivery notes.
type LegalInvoiceInput struct {
	PurchaseIDs   []uuid.UUID     `json:"purchase_ids" validate:"required,min=1"`
	InvoiceNumber string          `json:"invoice_number" validate:"required"`
	InvoiceDate   *time.Time      `json:"invoice_date"`
	InvoiceAmount decimal.Decimal `json:"invoice_amount"`
	Files         []Upload        `json:"-"`
}

// ReconcileLegalInvoice rewrites the invoice-entry metadata of every listed
// delivery-note purchase and shares the uploaded files across them. Statuses
// are not changed.
func (s *Service) ReconcileLegalInvoice(ctx context.Context, actor Actor, in LegalInvoiceInput) ([]Purchase, error) {
	in.InvoiceNumber = strings.TrimSpace(in.InvoiceNumber)
	if in.InvoiceNumber == "" {
		return nil, validationf("invoice number is required")
	}
	if len(in.PurchaseIDs) == 0 {
		return nil, validationf("at least one purchase is required")
	}
	if in.InvoiceAmount.IsNegative() {
		return nil, validationf("invoice amount cannot be negative")
	}
	ids := uniqueIDs(in.PurchaseIDs)
	if err := s.validateUploads(in.Files); err != nil {
		return nil, err
	}

	now := s.now()
	legal := LegalInvoice{
		InvoiceNumber: in.InvoiceNumber,
		InvoiceDate:   dateOr(in.InvoiceDate, now),
		InvoiceAmount: in.InvoiceAmount,
		GroupSize:     len(ids),
		ReconciledAt:  now,
	}

	var (
		stored []storedBlob
		out    []Purchase
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entries := make([]HistoryEntry, 0, len(ids))
		for _, id := range ids {
			p, err := s.lockOwned(ctx, tx, actor, id)
			if err != nil {
				return err
			}
			if p.DocumentType == nil || *p.DocumentType != DocumentDeliveryNote {
				return validationf("purchase %s was not invoiced with a delivery note", p.PurchaseNumber)
			}
			entry, err := tx.FindLatestEntry(ctx, actor.TenantID, id, StatusInvoiced)
			if err != nil {
				return err
			}
			meta, ok := entry.Metadata.(InvoiceMetadata)
			if !ok {
				return validationf("purchase %s has no invoice record", p.PurchaseNumber)
			}
			meta.LegalInvoice = &legal
			if err := tx.RewriteEntryMetadata(ctx, actor.TenantID, entry.ID, meta); err != nil {
				return err
			}
			entries = append(entries, entry)
			out = append(out, p)
		}

		var err error
		stored, err = s.uploadAll(ctx, actor.TenantID, ids[0], in.Files)
		if err != nil {
			return err
		}
		caption := describeUpload("Factura legal " + in.InvoiceNumber)
		referenced := make(map[string]bool, len(stored))
		for _, entry := range entries {
			saved, _ := s.persistAttachments(ctx, tx, actor, entry.PurchaseID, &entry.ID, stored, AttachmentInvoice, caption, now)
			for _, a := range saved {
				referenced[a.StorageKey] = true
			}
		}
		// A blob is shared by every purchase; drop it only when no row kept it.
		var orphaned []string
		for _, b := range stored {
			if !referenced[b.key] {
				orphaned = append(orphaned, b.key)
			}
		}
		s.discardBlobs(ctx, orphaned)
		return nil
	})
	if err != nil {
		s.discardBlobs(ctx, blobKeys(stored))
		return nil, err
	}
	s.logger.InfoContext(ctx, "legal invoice reconciled",
		slog.String("tenant_id", actor.TenantID.String()),
		slog.String("invoice_number", in.InvoiceNumber),
		slog.Int("purchases", len(out)))
	return out, nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
