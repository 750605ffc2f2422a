package purchasing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warocol/purchasing/internal/shared"
)

func shipped(t *testing.T, e *env, files ...Upload) (Purchase, HistoryEntry) {
	t.Helper()
	ctx := context.Background()
	p := e.pending(ctx)
	_, err := e.svc.Confirm(ctx, e.staff, p.ID, ConfirmInput{})
	require.NoError(t, err)
	p, err = e.svc.Ship(ctx, e.staff, p.ID, ShipInput{TrackingNumber: "TRK-7", Carrier: "Estafeta", Files: files})
	require.NoError(t, err)
	history, err := e.svc.History(ctx, e.tenantID, p.ID)
	require.NoError(t, err)
	return p, history[len(history)-1]
}

func TestFailedUploadDoesNotAbortTransition(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	e.blobs.failNames["b.pdf"] = true

	p, entry := shipped(t, e,
		file("a.pdf", "application/pdf", "%PDF-a"),
		file("b.pdf", "application/pdf", "%PDF-b"),
		file("c.jpg", "image/jpeg", "jpeg"),
	)
	assert.Equal(t, StatusShipped, p.Status)

	meta, ok := entry.Metadata.(ShipMetadata)
	require.True(t, ok)
	assert.Equal(t, 2, meta.AttachmentsCount)

	detail, err := e.svc.TransitionDetail(ctx, e.tenantID, p.ID, entry.ID)
	require.NoError(t, err)
	require.Len(t, detail.Attachments, 2)
	names := []string{detail.Attachments[0].FileName, detail.Attachments[1].FileName}
	assert.ElementsMatch(t, []string{"a.pdf", "c.jpg"}, names)
	for _, a := range detail.Attachments {
		assert.Equal(t, AttachmentShippingLabel, a.Type)
		require.NotNil(t, a.HistoryEntryID)
		assert.Equal(t, entry.ID, *a.HistoryEntryID)
		assert.True(t, strings.HasPrefix(a.StorageKey, "tenants/"+e.tenantID.String()+"/purchases/"+p.ID.String()+"/"))
		assert.NotEmpty(t, a.URL)
	}
	assert.Equal(t, 1, e.metrics.failures["storage"])
}

func TestFailedAttachmentRowDiscardsItsBlob(t *testing.T) {
	e := newEnv()
	e.repo.failInsertAttachment = func(a Attachment) error {
		if a.FileName == "broken.png" {
			return errInjected
		}
		return nil
	}

	_, entry := shipped(t, e,
		file("ok.png", "image/png", "png"),
		file("broken.png", "image/png", "png"),
	)
	attachments, err := e.svc.Attachments(context.Background(), e.tenantID, entry.PurchaseID)
	require.NoError(t, err)
	require.Len(t, attachments, 1)
	assert.Equal(t, "ok.png", attachments[0].FileName)
	assert.Equal(t, 1, e.blobs.count(), "the orphaned blob is removed")
	assert.Equal(t, 1, e.metrics.failures["attachment_row"])
}

func TestUploadsAreValidatedBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	p := e.pending(ctx)
	_, err := e.svc.Confirm(ctx, e.staff, p.ID, ConfirmInput{})
	require.NoError(t, err)

	big := file("huge.pdf", "application/pdf", "x")
	big.Size = 11 << 20
	for name, f := range map[string]Upload{
		"too large":    big,
		"bad type":     file("run.exe", "application/x-msdownload", "MZ"),
		"missing name": file(" ", "image/png", "png"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.Ship(ctx, e.staff, p.ID, ShipInput{TrackingNumber: "T", Carrier: "C", Files: []Upload{f}})
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	current, err := e.svc.Get(ctx, e.tenantID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, current.Status)
	assert.Zero(t, e.blobs.count())
}

func TestStandaloneAttachments(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	p := e.pending(ctx)

	saved, err := e.svc.AddAttachments(ctx, e.staff, p.ID, AttachInput{
		Type:  AttachmentOther,
		Files: []Upload{file("nota.pdf", "application/pdf", "%PDF")},
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Nil(t, saved[0].HistoryEntryID)
	assert.Contains(t, saved[0].URL, "ttl=3600")

	_, err = e.svc.AddAttachments(ctx, e.staff, p.ID, AttachInput{Type: "selfie", Files: []Upload{file("x.png", "image/png", "png")}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = e.svc.AddAttachments(ctx, e.staff, p.ID, AttachInput{})
	require.ErrorIs(t, err, shared.ErrValidation)

	other := e.pending(ctx)
	require.ErrorIs(t, e.svc.DeleteAttachment(ctx, e.staff, other.ID, saved[0].ID), shared.ErrNotFound,
		"an attachment is only reachable through its own purchase")

	require.NoError(t, e.svc.DeleteAttachment(ctx, e.staff, p.ID, saved[0].ID))
	assert.Zero(t, e.blobs.count())
	list, err := e.svc.Attachments(ctx, e.tenantID, p.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTransitionDetailUnknownEntry(t *testing.T) {
	e := newEnv()
	p, _ := shipped(t, e)
	_, err := e.svc.TransitionDetail(context.Background(), e.tenantID, p.ID, uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func remisionPurchase(t *testing.T, e *env, number string) Purchase {
	t.Helper()
	ctx := context.Background()
	p := e.pending(ctx)
	_, err := e.svc.Confirm(ctx, e.staff, p.ID, ConfirmInput{})
	require.NoError(t, err)
	p, err = e.svc.Invoice(ctx, e.supplierActor(), p.ID, InvoiceInput{
		DocumentType:  DocumentDeliveryNote,
		InvoiceNumber: number,
		InvoiceAmount: decimal.NewFromInt(60),
	})
	require.NoError(t, err)
	return p
}

func TestReconcileLegalInvoiceSharesFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	first := remisionPurchase(t, e, "R-1")
	second := remisionPurchase(t, e, "R-2")
	invoiceDate := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)

	out, err := e.svc.ReconcileLegalInvoice(ctx, e.supplierActor(), LegalInvoiceInput{
		PurchaseIDs:   []uuid.UUID{first.ID, second.ID, first.ID},
		InvoiceNumber: "F-LEGAL-88",
		InvoiceDate:   &invoiceDate,
		InvoiceAmount: decimal.NewFromInt(120),
		Files:         []Upload{file("legal.xml", "application/xml", "<cfdi/>")},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, e.blobs.count(), "one blob shared by every purchase")

	var keys []string
	for _, p := range []Purchase{first, second} {
		current, err := e.svc.Get(ctx, e.tenantID, p.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusInvoiced, current.Status, "reconciliation never changes status")

		history, err := e.svc.History(ctx, e.tenantID, p.ID)
		require.NoError(t, err)
		meta, ok := history[len(history)-1].Metadata.(InvoiceMetadata)
		require.True(t, ok)
		require.NotNil(t, meta.LegalInvoice)
		assert.Equal(t, "F-LEGAL-88", meta.LegalInvoice.InvoiceNumber)
		assert.Equal(t, 2, meta.LegalInvoice.GroupSize)
		assert.Equal(t, DocumentDeliveryNote, meta.DocumentType)

		attachments, err := e.svc.Attachments(ctx, e.tenantID, p.ID)
		require.NoError(t, err)
		require.Len(t, attachments, 1)
		keys = append(keys, attachments[0].StorageKey)
	}
	assert.Equal(t, keys[0], keys[1])

	firstFiles, err := e.svc.Attachments(ctx, e.tenantID, first.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.DeleteAttachment(ctx, e.staff, first.ID, firstFiles[0].ID))
	assert.Equal(t, 1, e.blobs.count(), "a blob still referenced elsewhere is kept")
}

func TestReconcileDiscardsBlobsNoRowKept(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	first := remisionPurchase(t, e, "R-1")
	second := remisionPurchase(t, e, "R-2")
	e.repo.failInsertAttachment = func(a Attachment) error {
		if a.FileName == "rota.pdf" || (a.FileName == "legal.xml" && a.PurchaseID == second.ID) {
			return errInjected
		}
		return nil
	}

	_, err := e.svc.ReconcileLegalInvoice(ctx, e.supplierActor(), LegalInvoiceInput{
		PurchaseIDs:   []uuid.UUID{first.ID, second.ID},
		InvoiceNumber: "F-LEGAL-90",
		Files: []Upload{
			file("legal.xml", "application/xml", "<cfdi/>"),
			file("rota.pdf", "application/pdf", "%PDF"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.blobs.count(), "only the blob a row still references survives")
	assert.Equal(t, 3, e.metrics.failures["attachment_row"])

	kept, err := e.svc.Attachments(ctx, e.tenantID, first.ID)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "legal.xml", kept[0].FileName)
	none, err := e.svc.Attachments(ctx, e.tenantID, second.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReconcileRejectsInvoicesAndForeignPurchases(t *testing.T) {
	ctx := context.Background()
	e := newEnv()
	remision := remisionPurchase(t, e, "R-1")

	factura := e.pending(ctx)
	_, err := e.svc.Confirm(ctx, e.staff, factura.ID, ConfirmInput{})
	require.NoError(t, err)
	_, err = e.svc.Invoice(ctx, e.staff, factura.ID, InvoiceInput{InvoiceNumber: "F-1"})
	require.NoError(t, err)

	_, err = e.svc.ReconcileLegalInvoice(ctx, e.supplierActor(), LegalInvoiceInput{
		PurchaseIDs:   []uuid.UUID{remision.ID, factura.ID},
		InvoiceNumber: "F-LEGAL",
		Files:         []Upload{file("legal.pdf", "application/pdf", "%PDF")},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Zero(t, e.blobs.count())

	history, err := e.svc.History(ctx, e.tenantID, remision.ID)
	require.NoError(t, err)
	meta := history[len(history)-1].Metadata.(InvoiceMetadata)
	assert.Nil(t, meta.LegalInvoice, "the whole batch rolls back")

	rival := e.addSupplierOf(e.tenantID, "Carnes Sur")
	_, err = e.svc.ReconcileLegalInvoice(ctx, SupplierActor(e.tenantID, rival.ID), LegalInvoiceInput{
		PurchaseIDs:   []uuid.UUID{remision.ID},
		InvoiceNumber: "F-LEGAL",
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}
