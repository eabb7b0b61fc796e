// Package tier defines the uniform storage contract every tier backend
// implements, plus the shared capacity and scan types. The four
// implementations live in the subpackages fastvector, fastkv, columnar and
// archive.
package tier

import (
	"context"
	"errors"

	"github.com/hupe1980/tiermem/model"
)

var (
	// ErrNotFound is returned when an id does not exist in the tier.
	ErrNotFound = errors.New("tier: item not found")

	// ErrCapacityExceeded is returned by Put when the tier cannot accept
	// the item without violating its capacity limit.
	ErrCapacityExceeded = errors.New("tier: capacity exceeded")

	// ErrUnavailable is returned when the tier's backing store cannot be
	// reached. It is transient: the item metadata remains intact and the
	// operation may be retried.
	ErrUnavailable = errors.New("tier: backend unavailable")
)

// Stats reports the current occupancy of a tier.
type Stats struct {
	Items int64
	Bytes int64
}

// Capacity describes a tier's limits. A zero limit means unbounded in that
// dimension. FastVector is bounded by item count; the byte-oriented tiers by
// MaxBytes.
type Capacity struct {
	MaxItems int64
	MaxBytes int64
}

// HasRoomFor reports whether a tier at the given occupancy can accept one
// more item of the given stored size.
func (c Capacity) HasRoomFor(s Stats, sizeBytes int64) bool {
	if c.MaxItems > 0 && s.Items+1 > c.MaxItems {
		return false
	}
	if c.MaxBytes > 0 && s.Bytes+sizeBytes > c.MaxBytes {
		return false
	}
	return true
}

// ScanPage is one page of a restartable tier scan. Next is an opaque
// continuation token; empty means the scan is complete.
type ScanPage struct {
	Metas []model.Metadata
	Next  string
}

// Backend is the uniform storage contract. Implementations are internally
// synchronized: all methods are safe for concurrent use.
//
// Get atomically updates the item's access metadata (LastAccessedAt,
// AccessCount) with the read; two concurrent readers never lose an
// increment. Meta reads metadata without touching access state.
type Backend interface {
	// Tier returns the tier this backend implements.
	Tier() model.Tier

	// Put durably stores the item, overwriting any existing item with the
	// same id. The payload must already be encoded for this tier (see
	// package codec); Put does not compress.
	Put(ctx context.Context, item *model.Item) error

	// Get returns the item and bumps its access metadata atomically with
	// the read. Returns ErrNotFound if the id is absent.
	Get(ctx context.Context, id string) (*model.Item, error)

	// Peek returns the item without updating access metadata. Used by the
	// migration scheduler, whose reads must not count as accesses.
	Peek(ctx context.Context, id string) (*model.Item, error)

	// Meta returns the item's metadata snapshot without updating access
	// state. Returns ErrNotFound if the id is absent.
	Meta(ctx context.Context, id string) (model.Metadata, error)

	// UpdateMeta applies fn to the stored metadata of id atomically.
	// Used for metadata-only mutations (relevance updates, access decay)
	// that must not rewrite the payload. Returns ErrNotFound if the id is
	// absent. Implementations must not let fn observe or change the
	// payload, the id, or the owning tier.
	UpdateMeta(ctx context.Context, id string, fn func(*model.Metadata)) error

	// Delete removes the item. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Scan returns up to limit metadata snapshots starting at the given
	// continuation token ("" starts a fresh scan). Scans are restartable
	// and never load the whole tier into memory.
	Scan(ctx context.Context, token string, limit int) (ScanPage, error)

	// Stats returns the tier's current occupancy.
	Stats() Stats

	// Capacity returns the tier's configured limits.
	Capacity() Capacity

	// Close releases backend resources.
	Close() error
}
