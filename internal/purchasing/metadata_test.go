package purchasing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTripKeepsVariant(t *testing.T) {
	count := 2
	original := ShipMetadata{TrackingNumber: "1Z999", Carrier: "UPS", PackageCount: &count, AttachmentsCount: 1}

	doc, err := EncodeMetadata(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"ship","data":{"tracking_number":"1Z999","carrier":"UPS","package_count":2,"attachments_count":1}}`, string(doc))

	decoded, err := DecodeMetadata(doc)
	require.NoError(t, err)
	ship, ok := decoded.(ShipMetadata)
	require.True(t, ok, "expected ShipMetadata, got %T", decoded)
	assert.Equal(t, original, ship)
}

func TestInvoiceMetadataCarriesLegalInvoice(t *testing.T) {
	at := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	meta := InvoiceMetadata{
		DocumentType:  DocumentDeliveryNote,
		InvoiceNumber: "R-10",
		InvoiceAmount: decimal.RequireFromString("120.50"),
		LegalInvoice:  &LegalInvoice{InvoiceNumber: "F-1", InvoiceDate: at, InvoiceAmount: decimal.RequireFromString("361.50"), GroupSize: 3, ReconciledAt: at},
	}
	doc, err := EncodeMetadata(meta)
	require.NoError(t, err)

	decoded, err := DecodeMetadata(doc)
	require.NoError(t, err)
	inv := decoded.(InvoiceMetadata)
	require.NotNil(t, inv.LegalInvoice)
	assert.Equal(t, "F-1", inv.LegalInvoice.InvoiceNumber)
	assert.True(t, inv.InvoiceAmount.Equal(decimal.RequireFromString("120.5")))
}

func TestDecodeUnknownKindIsPreserved(t *testing.T) {
	decoded, err := DecodeMetadata([]byte(`{"kind":"legacy","data":{"x":1}}`))
	require.NoError(t, err)
	raw, ok := decoded.(RawMetadata)
	require.True(t, ok)
	assert.Equal(t, MetadataKind("legacy"), raw.Kind())

	doc, err := EncodeMetadata(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"legacy","data":{"x":1}}`, string(doc))
}

func TestDecodeEmptyMetadata(t *testing.T) {
	m, err := DecodeMetadata(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestHistoryEntryJSONCarriesKind(t *testing.T) {
	entry := HistoryEntry{ToStatus: StatusCancelled, Metadata: CancelMetadata{Reason: "duplicada"}}

	doc, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"metadata":{"kind":"cancel","data":{"cancellation_reason":"duplicada"}}`)

	var back HistoryEntry
	require.NoError(t, json.Unmarshal(doc, &back))
	assert.Equal(t, CancelMetadata{Reason: "duplicada"}, back.Metadata)
	assert.Equal(t, StatusCancelled, back.ToStatus)
}
