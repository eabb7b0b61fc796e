package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiermem/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	compressible := bytes.Repeat([]byte("tiermem tiermem tiermem "), 200)
	incompressible := make([]byte, 4096)
	_, err := rand.Read(incompressible)
	require.NoError(t, err)

	payloads := map[string][]byte{
		"empty":          {},
		"small":          []byte("hello"),
		"compressible":   compressible,
		"incompressible": incompressible,
	}

	for _, c := range []model.Codec{model.CodecNone, model.CodecLZ4, model.CodecZstd} {
		for name, payload := range payloads {
			t.Run(c.String()+"/"+name, func(t *testing.T) {
				stored, err := Encode(c, payload)
				require.NoError(t, err)

				got, err := Decode(stored)
				require.NoError(t, err)
				require.Equal(t, payload, got)
			})
		}
	}
}

func TestEncodeCompresses(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd1234"), 4096)

	for _, c := range []model.Codec{model.CodecLZ4, model.CodecZstd} {
		stored, err := Encode(c, payload)
		require.NoError(t, err)
		require.Less(t, len(stored), len(payload), "codec %s should shrink repetitive data", c)
	}
}

func TestDecodeUnknownCodec(t *testing.T) {
	stored, err := Encode(model.CodecZstd, []byte("payload"))
	require.NoError(t, err)

	stored[0] = 0x7F // not a known codec

	_, err = Decode(stored)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.EqualValues(t, 0x7F, de.Codec)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeCorruptBody(t *testing.T) {
	stored, err := Encode(model.CodecZstd, bytes.Repeat([]byte("zzzz"), 1024))
	require.NoError(t, err)

	for i := 5; i < len(stored); i++ {
		stored[i] ^= 0xFF
	}

	_, err = Decode(stored)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestSelectorTable(t *testing.T) {
	s := DefaultSelector()

	tests := []struct {
		tier model.Tier
		ct   model.ContentType
		want model.Codec
	}{
		{model.TierFastVector, model.ContentTypeVector, model.CodecNone},
		{model.TierFastVector, model.ContentTypeBlob, model.CodecNone},
		{model.TierFastKV, model.ContentTypeBlob, model.CodecNone},
		{model.TierColumnar, model.ContentTypeBlob, model.CodecLZ4},
		{model.TierColumnar, model.ContentTypeTabular, model.CodecLZ4},
		{model.TierColumnar, model.ContentTypeVector, model.CodecNone},
		{model.TierArchive, model.ContentTypeVector, model.CodecZstd},
		{model.TierArchive, model.ContentTypeBlob, model.CodecZstd},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, s.Select(tt.tier, tt.ct), "tier=%s ct=%s", tt.tier, tt.ct)
	}
}

func TestSelectorOverride(t *testing.T) {
	s := NewSelector(map[model.Tier]map[model.ContentType]model.Codec{
		model.TierArchive: {model.ContentTypeVector: model.CodecLZ4},
	})

	require.Equal(t, model.CodecLZ4, s.Select(model.TierArchive, model.ContentTypeVector))
	// Unlisted content types still follow the archive default.
	require.Equal(t, model.CodecZstd, s.Select(model.TierArchive, model.ContentTypeBlob))
}
