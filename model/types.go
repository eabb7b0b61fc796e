package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Tier identifies one storage backend in the hierarchy, ordered from the
// fastest/most expensive (FastVector) to the slowest/cheapest (Archive).
type Tier uint8

const (
	// TierFastVector is the in-memory tier with similarity lookup.
	TierFastVector Tier = iota
	// TierFastKV is the in-memory point-lookup tier with TTL expiry.
	TierFastKV
	// TierColumnar is the embedded columnar tier with batched writes.
	TierColumnar
	// TierArchive is the remote object-storage tier. It is terminal:
	// eviction from Archive is permanent deletion.
	TierArchive

	// TierCount is the number of tiers.
	TierCount = 4
)

// String returns a human-readable tier name.
func (t Tier) String() string {
	switch t {
	case TierFastVector:
		return "fastvector"
	case TierFastKV:
		return "fastkv"
	case TierColumnar:
		return "columnar"
	case TierArchive:
		return "archive"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether t names an existing tier.
func (t Tier) Valid() bool {
	return t < TierCount
}

// Slower returns the next slower tier and false if t is already terminal.
func (t Tier) Slower() (Tier, bool) {
	if t >= TierArchive {
		return TierArchive, false
	}
	return t + 1, true
}

// Faster returns the next faster tier and false if t is already the fastest.
func (t Tier) Faster() (Tier, bool) {
	if t == TierFastVector {
		return TierFastVector, false
	}
	return t - 1, true
}

// ContentType tags an item's payload. It is used only for compression codec
// selection; the payload itself remains opaque to the store.
type ContentType string

const (
	ContentTypeVector  ContentType = "vector"
	ContentTypeTabular ContentType = "tabular"
	ContentTypeBlob    ContentType = "blob"
)

// Codec identifies the compression algorithm applied to a stored payload.
type Codec uint8

const (
	// CodecNone indicates the payload is stored uncompressed.
	CodecNone Codec = 0
	// CodecLZ4 indicates LZ4 block compression (fast, moderate ratio).
	CodecLZ4 Codec = 1
	// CodecZstd indicates Zstandard compression (slower, high ratio).
	CodecZstd Codec = 2
)

// String returns a human-readable codec name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Metadata is the scoring snapshot of an item: everything except the payload.
// Tier scans return Metadata so the migration scheduler never materializes
// payloads it does not intend to move.
type Metadata struct {
	ID             string
	ContentType    ContentType
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
	Relevance      float64
	Tier           Tier
	Codec          Codec
}

// Item is the unit of storage. Payload holds the physically stored
// representation: compressed when Codec != CodecNone.
type Item struct {
	Metadata
	Payload []byte
}

// Clone returns a deep copy of the item. Backends return clones so callers
// can never mutate stored state through aliased slices.
func (it *Item) Clone() *Item {
	cp := *it
	cp.Payload = make([]byte, len(it.Payload))
	copy(cp.Payload, it.Payload)
	return &cp
}

// EncodeVector encodes a float32 vector as a little-endian payload.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector decodes a little-endian payload produced by EncodeVector.
func DecodeVector(p []byte) ([]float32, error) {
	if len(p)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(p))
	}
	v := make([]float32, len(p)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return v, nil
}
