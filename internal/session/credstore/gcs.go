package credstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

// GCSConfig captures the object holding the credentials.
type GCSConfig struct {
	Bucket string
	Object string
}

// GCS stores credentials as a single object in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCS creates a GCS-backed credential store.
func NewGCS(client *storage.Client, cfg GCSConfig) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Object == "" {
		cfg.Object = "harvester/credentials.json"
	}
	return &GCS{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// Load implements harvest.CredentialStore.
func (s *GCS) Load(ctx context.Context) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, harvest.ErrNotFound
		}
		return nil, fmt.Errorf("open credentials object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read credentials object: %w", err)
	}
	return data, nil
}

// Save implements harvest.CredentialStore.
func (s *GCS) Save(ctx context.Context, blob []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(blob); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write credentials object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write credentials object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
