// Package objstore abstracts the remote object storage behind the Archive
// tier. Implementations exist for MinIO/S3-compatible endpoints
// (objstore/minio), AWS S3 (objstore/s3) and in-memory testing (Memory).
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("objstore: object not found")

// Store is a minimal whole-object storage abstraction. Archive payloads are
// small enough to move as single objects; no ranged or streaming access is
// required.
type Store interface {
	// Put writes the object atomically, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object's contents, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
