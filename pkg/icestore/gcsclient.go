package icestore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// NewProductionStorageClient creates a Cloud Storage client using Application
// Default Credentials unless a credentials file is provided.
func NewProductionStorageClient(ctx context.Context, credentialsFile string, logger zerolog.Logger) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create GCS client.")
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return client, nil
}

// ====================================================================================
// Interfaces over the Google Cloud Storage client, so the archive writer can be
// tested against an in-memory bucket.
// ====================================================================================

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context, attrs ObjectAttrs) GCSWriter
}

// ObjectAttrs are the attributes set on every archive object.
type ObjectAttrs struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// GCSWriter abstracts a *storage.Writer. Close finalizes the upload.
type GCSWriter interface {
	io.WriteCloser
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes the concrete *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

// NewWriter returns a *storage.Writer with attrs applied. The upload starts on
// the first Write.
func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context, attrs ObjectAttrs) GCSWriter {
	w := a.handle.NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.ContentEncoding = attrs.ContentEncoding
	w.Metadata = attrs.Metadata
	return w
}
