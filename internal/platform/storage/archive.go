package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

// ArchiveRecord describes a raw webhook body to persist.
type ArchiveRecord struct {
	Gateway    string
	EventID    string
	Reference  string
	ReceivedAt time.Time
	Body       []byte
}

type objectOpener func(ctx context.Context, bucket, object string, metadata map[string]string) io.WriteCloser

// WebhookArchive stores raw gateway webhook bodies in Cloud Storage for dispute and audit lookups.
type WebhookArchive struct {
	client *gcs.Client
	bucket string
	prefix string
	open   objectOpener
}

// NewWebhookArchive builds an archive writing into bucket under prefix.
func NewWebhookArchive(client *gcs.Client, bucket, prefix string) (*WebhookArchive, error) {
	if client == nil {
		return nil, errors.New("storage archive: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	archive := &WebhookArchive{client: client, bucket: bucket, prefix: prefix}
	archive.open = func(ctx context.Context, bucket, object string, metadata map[string]string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = "application/json"
		w.Metadata = metadata
		return w
	}
	return archive, nil
}

var errInvalidBucket = errors.New("storage: bucket name is required")

// Archive writes the record and returns its object path.
func (a *WebhookArchive) Archive(ctx context.Context, record ArchiveRecord) (string, error) {
	if a == nil || a.open == nil {
		return "", errors.New("storage archive: not initialised")
	}
	object, err := BuildArchivePath(ArchivePathParams{
		Prefix:     a.prefix,
		Gateway:    record.Gateway,
		EventID:    record.EventID,
		ReceivedAt: record.ReceivedAt,
	})
	if err != nil {
		return "", err
	}

	metadata := map[string]string{"gateway": strings.ToLower(record.Gateway)}
	if ref := strings.TrimSpace(record.Reference); ref != "" {
		metadata["reference"] = ref
	}

	w := a.open(ctx, a.bucket, object, metadata)
	if _, err := w.Write(record.Body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage archive: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage archive: close %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

// Ping verifies the bucket is reachable; used by readiness checks.
func (a *WebhookArchive) Ping(ctx context.Context) error {
	if a == nil || a.client == nil {
		return errors.New("storage archive: not initialised")
	}
	if _, err := a.client.Bucket(a.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("storage archive: bucket %s: %w", a.bucket, err)
	}
	return nil
}
