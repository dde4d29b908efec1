// Package objectstore defines the Object Store capability: time-limited
// upload and download targets for job inputs, and read access for workers.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Open when no object exists under the key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore issues presigned URLs and reads stored objects.
type ObjectStore interface {
	// PresignPut returns a URL that accepts one HTTP PUT of the object at key
	// until ttl elapses.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)

	// PresignGet returns a URL that serves the object at key until ttl elapses.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Open streams the object at key. Callers close the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
