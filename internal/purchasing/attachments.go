package purchasing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var defaultAllowedTypes = []string{
	"image/jpeg", "image/png", "image/webp", "image/heic",
	"application/pdf", "application/xml", "text/xml",
}

// Upload is one file submitted with a transition or attachment request.
type Upload struct {
	FileName    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// AttachInput describes a standalone attachment upload.
type AttachInput struct {
	Type        AttachmentType
	Description *string
	Files       []Upload
}

type storedBlob struct {
	upload Upload
	key    string
}

func (s *Service) validateUploads(files []Upload) error {
	for i, f := range files {
		if strings.TrimSpace(f.FileName) == "" {
			return validationf("file %d has no name", i+1)
		}
		if f.Open == nil {
			return validationf("file %q has no content", f.FileName)
		}
		if f.Size > s.policy.MaxBytes {
			return validationf("file %q exceeds %d bytes", f.FileName, s.policy.MaxBytes)
		}
		mediaType, _, err := mime.ParseMediaType(f.ContentType)
		if err != nil || !slices.Contains(s.policy.AllowedTypes, mediaType) {
			return validationf("file %q has unsupported type %q", f.FileName, f.ContentType)
		}
	}
	return nil
}

// uploadAll stores files in parallel. A failed file is logged and skipped;
// only cancellation of ctx aborts the batch. Stored blobs keep submission order.
func (s *Service) uploadAll(ctx context.Context, tenantID, purchaseID uuid.UUID, files []Upload) ([]storedBlob, error) {
	if len(files) == 0 {
		return nil, nil
	}
	folder := fmt.Sprintf("tenants/%s/purchases/%s", tenantID, purchaseID)
	keys := make([]string, len(files))

	var g errgroup.Group
	g.SetLimit(s.policy.Concurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			key, err := s.storeOne(ctx, folder, f)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.metrics.DependencyFailure("storage")
				s.logger.WarnContext(ctx, "attachment upload failed",
					slog.String("purchase_id", purchaseID.String()),
					slog.String("tenant_id", tenantID.String()),
					slog.String("file_name", f.FileName),
					slog.Any("error", err))
				return nil
			}
			keys[i] = key
			return nil
		})
	}
	err := g.Wait()

	stored := make([]storedBlob, 0, len(files))
	for i, key := range keys {
		if key != "" {
			stored = append(stored, storedBlob{upload: files[i], key: key})
		}
	}
	if err != nil {
		s.discardBlobs(ctx, blobKeys(stored))
		return nil, err
	}
	return stored, nil
}

func (s *Service) storeOne(ctx context.Context, folder string, f Upload) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("purchasing: blob storage not configured")
	}
	body, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.FileName, err)
	}
	defer body.Close()
	return s.blobs.Upload(ctx, body, f.FileName, folder, f.ContentType)
}

// persistAttachments writes one row per stored blob in order. A failed row is
// logged and its blob returned as orphaned.
func (s *Service) persistAttachments(ctx context.Context, tx TxRepository, actor Actor, purchaseID uuid.UUID, entryID *uuid.UUID,
	blobs []storedBlob, kind AttachmentType, description *string, now time.Time) ([]Attachment, []string) {
	var (
		saved    []Attachment
		orphaned []string
	)
	for _, b := range blobs {
		a := Attachment{
			ID:             uuid.New(),
			PurchaseID:     purchaseID,
			TenantID:       actor.TenantID,
			HistoryEntryID: entryID,
			StorageKey:     b.key,
			FileName:       b.upload.FileName,
			FileSize:       b.upload.Size,
			MimeType:       b.upload.ContentType,
			Type:           kind,
			Description:    description,
			UploadedBy:     actor.UserID,
			UploadedAt:     now,
		}
		if err := tx.InsertAttachment(ctx, a); err != nil {
			s.metrics.DependencyFailure("attachment_row")
			s.logger.WarnContext(ctx, "attachment row insert failed",
				slog.String("purchase_id", purchaseID.String()),
				slog.String("file_name", a.FileName),
				slog.Any("error", err))
			orphaned = append(orphaned, b.key)
			continue
		}
		saved = append(saved, a)
	}
	return saved, orphaned
}

// discardBlobs removes blobs whose rows never committed.
func (s *Service) discardBlobs(ctx context.Context, keys []string) {
	if s.blobs == nil || len(keys) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if _, err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "blob cleanup failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

func blobKeys(blobs []storedBlob) []string {
	keys := make([]string, len(blobs))
	for i, b := range blobs {
		keys[i] = b.key
	}
	return keys
}

// AddAttachments stores files against a purchase outside of any transition.
func (s *Service) AddAttachments(ctx context.Context, actor Actor, purchaseID uuid.UUID, input AttachInput) ([]Attachment, error) {
	if input.Type == "" {
		input.Type = AttachmentOther
	}
	if _, err := ParseAttachmentType(string(input.Type)); err != nil {
		return nil, err
	}
	if len(input.Files) == 0 {
		return nil, validationf("at least one file is required")
	}
	if err := s.validateUploads(input.Files); err != nil {
		return nil, err
	}

	var (
		stored []storedBlob
		saved  []Attachment
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := s.lockOwned(ctx, tx, actor, purchaseID); err != nil {
			return err
		}
		var err error
		stored, err = s.uploadAll(ctx, actor.TenantID, purchaseID, input.Files)
		if err != nil {
			return err
		}
		var orphaned []string
		saved, orphaned = s.persistAttachments(ctx, tx, actor, purchaseID, nil, stored, input.Type, input.Description, s.now())
		s.discardBlobs(ctx, orphaned)
		return nil
	})
	if err != nil {
		s.discardBlobs(ctx, blobKeys(stored))
		return nil, err
	}
	return s.sign(ctx, saved), nil
}

// Attachments lists the attachments of a purchase with fetchable URLs.
func (s *Service) Attachments(ctx context.Context, tenantID, purchaseID uuid.UUID) ([]Attachment, error) {
	list, err := s.repo.ListAttachments(ctx, tenantID, purchaseID)
	if err != nil {
		return nil, err
	}
	return s.sign(ctx, list), nil
}

// DeleteAttachment removes an attachment row, then its blob when no other row shares it.
func (s *Service) DeleteAttachment(ctx context.Context, actor Actor, purchaseID, attachmentID uuid.UUID) error {
	a, err := s.repo.GetAttachment(ctx, actor.TenantID, attachmentID)
	if err != nil {
		return err
	}
	if a.PurchaseID != purchaseID {
		return ErrNotFound
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := s.lockOwned(ctx, tx, actor, purchaseID); err != nil {
			return err
		}
		return tx.DeleteAttachment(ctx, actor.TenantID, attachmentID)
	})
	if err != nil {
		return err
	}
	remaining, err := s.repo.CountStorageKey(ctx, a.StorageKey)
	if err != nil {
		s.logger.WarnContext(ctx, "attachment reference count failed", slog.String("key", a.StorageKey), slog.Any("error", err))
		return nil
	}
	if remaining == 0 {
		s.discardBlobs(ctx, []string{a.StorageKey})
	}
	return nil
}

// sign fills URL for each attachment. Signing failures leave URL empty.
func (s *Service) sign(ctx context.Context, list []Attachment) []Attachment {
	if s.blobs == nil {
		return list
	}
	for i := range list {
		url, err := s.blobs.Sign(ctx, list[i].StorageKey, s.policy.SignedURLTTL)
		if err != nil {
			s.metrics.DependencyFailure("storage_sign")
			s.logger.WarnContext(ctx, "attachment signing failed",
				slog.String("attachment_id", list[i].ID.String()), slog.Any("error", err))
			continue
		}
		list[i].URL = url
	}
	return list
}

// UploadsFromParts adapts multipart file headers.
func UploadsFromParts(parts []*multipart.FileHeader) []Upload {
	uploads := make([]Upload, 0, len(parts))
	for _, fh := range parts {
		fh := fh
		contentType := fh.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = "application/octet-stream"
			if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename))); byExt != "" {
				contentType = byExt
			}
		}
		uploads = append(uploads, Upload{
			FileName:    fh.Filename,
			ContentType: contentType,
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return uploads
}
