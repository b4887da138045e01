// Package blobstore wraps content-addressed object storage behind the
// three operations the rest of the pipeline needs: Put, Get,
// SignedURL. Attachment blobs are immutable once written, so Put on an
// already-written key is treated as a no-op success rather than
// silently overwriting, and implementations should prefer conditional
// writes where the backing store supports them.
package blobstore

import (
	"context"
	"time"
)

// Store is the interface every other package depends on.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
