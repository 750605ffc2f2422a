package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

var errInvalidBucket = errors.New("storage: bucket name is required")

// Config configures the GCS client.
type Config struct {
	Bucket          string
	CredentialsFile string
	SignerEmail     string
	Timeout         time.Duration
}

// GCS stores attachment blobs in a Google Cloud Storage bucket.
type GCS struct {
	client      *storage.Client
	bucket      string
	signerEmail string
	timeout     time.Duration
	now         func() time.Time
}

// NewGCS constructs a client using credentials from cfg or application default credentials.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errInvalidBucket
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: new client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &GCS{
		client:      client,
		bucket:      cfg.Bucket,
		signerEmail: cfg.SignerEmail,
		timeout:     timeout,
		now:         time.Now,
	}, nil
}

// Upload streams body into the bucket under a derived key and returns that key.
func (g *GCS) Upload(ctx context.Context, body io.Reader, fileName, folder, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	key := ObjectKey(folder, fileName, g.now(), uuid.New())
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"original-name": fileName}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close %s: %w", key, err)
	}
	return key, nil
}

// Sign returns a time-limited GET URL for key.
func (g *GCS) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: g.now().Add(ttl),
	}
	if g.signerEmail != "" {
		opts.GoogleAccessID = g.signerEmail
	}
	url, err := g.client.Bucket(g.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("storage: sign %s: %w", key, err)
	}
	return url, nil
}

// Delete removes key. A missing object reports false without error.
func (g *GCS) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return true, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
