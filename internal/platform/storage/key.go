// Package storage holds the blob storage client used for purchase attachments.
package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectKey derives a collision-resistant key of the form folder/YYYY/MM/DD/<uuid>.<ext>.
func ObjectKey(folder, fileName string, now time.Time, id uuid.UUID) string {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = "uploads"
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if ext == "" {
		ext = "bin"
	}
	return path.Join(folder, now.UTC().Format("2006/01/02"), fmt.Sprintf("%s.%s", id, ext))
}
