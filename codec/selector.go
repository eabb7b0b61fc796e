package codec

import "github.com/hupe1980/tiermem/model"

// Selector maps (tier, content type) to a compression codec. It is a pure
// lookup; compression itself happens in the tier backends at write time.
type Selector struct {
	table map[model.Tier]map[model.ContentType]model.Codec
}

// DefaultSelector returns the default codec table:
//
//   - FastVector and FastKV never compress (latency critical).
//   - Columnar compresses non-trivial content with LZ4; vectors stay raw
//     (float payloads barely compress and the tier is scan-heavy).
//   - Archive always compresses with zstd.
func DefaultSelector() *Selector {
	return &Selector{
		table: map[model.Tier]map[model.ContentType]model.Codec{
			model.TierColumnar: {
				model.ContentTypeTabular: model.CodecLZ4,
				model.ContentTypeBlob:    model.CodecLZ4,
			},
		},
	}
}

// NewSelector builds a Selector from an explicit table. Tiers absent from the
// table follow the default rules (FastVector/FastKV raw, Archive zstd).
func NewSelector(table map[model.Tier]map[model.ContentType]model.Codec) *Selector {
	cp := make(map[model.Tier]map[model.ContentType]model.Codec, len(table))
	for t, row := range table {
		inner := make(map[model.ContentType]model.Codec, len(row))
		for ct, c := range row {
			inner[ct] = c
		}
		cp[t] = inner
	}
	return &Selector{table: cp}
}

// Select returns the codec for an item of the given content type written to
// the given tier.
func (s *Selector) Select(tier model.Tier, ct model.ContentType) model.Codec {
	if row, ok := s.table[tier]; ok {
		if c, ok := row[ct]; ok {
			return c
		}
	}
	switch tier {
	case model.TierArchive:
		// Archive always compresses, regardless of content type.
		return model.CodecZstd
	default:
		return model.CodecNone
	}
}
