package tiermem

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/tiermem/codec"
	"github.com/hupe1980/tiermem/migrate"
	"github.com/hupe1980/tiermem/tier"
)

var (
	// ErrNotFound is returned when an item is absent from every tier.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned by Ingest when no tier can accept the
	// item and the eviction policy denies making room.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrTimeout is returned when a per-call deadline expires.
	ErrTimeout = errors.New("operation timed out")

	// ErrMigrationConflict is returned when an explicit promotion races an
	// in-flight migration of the same item.
	ErrMigrationConflict = errors.New("migration conflict")

	// ErrBackendUnavailable is returned when a tier backend stays
	// unreachable after internal retries.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidK is returned when a search k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrInvalidRelevance is returned when a relevance value is outside [0,1].
	ErrInvalidRelevance = errors.New("relevance must be in [0,1]")
)

// DecodeError indicates a stored payload that could not be decoded.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type DecodeError struct {
	ID    string
	Codec byte
	cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode item %q: unreadable payload (codec byte 0x%02x)", e.ID, e.Codec)
}

func (e *DecodeError) Unwrap() error { return e.cause }

// translateError maps internal errors onto the public taxonomy at the facade
// boundary. id tags decode failures with the item they belong to.
func translateError(id string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	if errors.Is(err, tier.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, tier.ErrCapacityExceeded) {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	if errors.Is(err, tier.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if errors.Is(err, migrate.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrMigrationConflict, err)
	}

	var de *codec.DecodeError
	if errors.As(err, &de) {
		return &DecodeError{ID: id, Codec: de.Codec, cause: err}
	}

	return err
}
