package archive

import (
	"context"
	"io"
	"time"
)

// Provider is the object store results are archived to.
type Provider interface {
	// CheckBucket makes sure the target bucket exists.
	CheckBucket(ctx context.Context) error

	// Put uploads size bytes from r under objectKey.
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error

	// GeneratePresignedURL returns a temporary download link for objectKey.
	GeneratePresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}
