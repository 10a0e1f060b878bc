// Package blob abstracts where media files live: a local directory during
// development and single-node deployments, or an S3-compatible bucket in
// production. Paths are forward-slash keys relative to the store root.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist indicates the requested object is absent.
var ErrNotExist = errors.New("object does not exist")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size    int64
	ModTime time.Time
}

// Store is the media blob backend.
type Store interface {
	// Write stores the contents of r at path, replacing any existing object,
	// and returns the number of bytes written.
	Write(ctx context.Context, path string, r io.Reader) (int64, error)
	// ReadRange opens the object for reading starting at offset. A negative
	// length reads to the end of the object.
	ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)
	// Stat returns object metadata, or ErrNotExist.
	Stat(ctx context.Context, path string) (ObjectInfo, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}
