package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	id := uuid.MustParse("2a0b4b7e-7a55-4d63-9a6c-1d1f2f5f9b10")
	at := time.Date(2025, 3, 7, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, "purchases/abc/2025/03/07/2a0b4b7e-7a55-4d63-9a6c-1d1f2f5f9b10.pdf",
		ObjectKey("/purchases/abc/", "Factura 001.PDF", at, id))
	assert.Equal(t, "uploads/2025/03/07/2a0b4b7e-7a55-4d63-9a6c-1d1f2f5f9b10.bin",
		ObjectKey("", "noext", at, id))
}
