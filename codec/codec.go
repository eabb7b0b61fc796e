// Package codec implements the compression codecs used by storage tiers and
// the policy table that selects a codec per (tier, content type).
//
// Payloads are framed so the stored bytes are self-describing:
//
//	[codec: 1 byte][uncompressed size: 4 bytes LE][data...]
//
// If data does not shrink under compression it is stored raw inside the frame
// with the codec byte still recording the configured codec family, so reads
// stay uniform.
package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/tiermem/model"
)

const (
	headerSize = 5

	// rawFlag marks a frame whose body is stored uncompressed even though
	// the codec family would normally compress (incompressible input).
	rawFlag = 0x80
)

// DecodeError indicates stored bytes could not be decoded back to the
// original payload. It is surfaced rather than returning corrupt data.
type DecodeError struct {
	Codec byte
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("codec: decode failed (codec=%d): %v", e.Codec, e.Cause)
	}
	return fmt.Sprintf("codec: unknown or unreadable codec %d", e.Codec)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// zstd encoder/decoder pools: the encoders are expensive to construct and
// safe to reuse sequentially.
var (
	zstdEncPool = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		return enc
	}}
	zstdDecPool = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	}}
)

// Encode frames payload with the given codec. The returned slice is always a
// fresh allocation; payload is never aliased.
func Encode(c model.Codec, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFFFFFF {
		return nil, fmt.Errorf("codec: payload too large: %d bytes", len(payload))
	}

	var body []byte
	raw := false

	switch c {
	case model.CodecNone:
		raw = true
	case model.CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 compress: %w", err)
		}
		if n == 0 || n >= len(payload) {
			raw = true // incompressible
		} else {
			body = buf[:n]
		}
	case model.CodecZstd:
		enc := zstdEncPool.Get().(*zstd.Encoder)
		body = enc.EncodeAll(payload, nil)
		zstdEncPool.Put(enc)
		if len(body) >= len(payload) && len(payload) > 0 {
			raw = true
		}
	default:
		return nil, fmt.Errorf("codec: unknown codec %d", c)
	}

	if raw {
		body = payload
	}

	out := make([]byte, headerSize+len(body))
	tag := byte(c)
	if raw && c != model.CodecNone {
		tag |= rawFlag
	}
	out[0] = tag
	binary.LittleEndian.PutUint32(out[1:], uint32(len(payload)))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode unframes stored bytes and returns the original payload. A frame
// whose codec byte cannot be resolved yields a *DecodeError, never corrupt
// bytes.
func Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerSize {
		return nil, &DecodeError{Cause: fmt.Errorf("frame truncated: %d bytes", len(stored))}
	}
	tag := stored[0]
	size := binary.LittleEndian.Uint32(stored[1:])
	body := stored[headerSize:]

	c := model.Codec(tag &^ rawFlag)
	if tag&rawFlag != 0 || c == model.CodecNone {
		if uint32(len(body)) != size {
			return nil, &DecodeError{Codec: tag, Cause: fmt.Errorf("raw frame size mismatch: header %d, body %d", size, len(body))}
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}

	switch c {
	case model.CodecLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, &DecodeError{Codec: tag, Cause: err}
		}
		if uint32(n) != size {
			return nil, &DecodeError{Codec: tag, Cause: fmt.Errorf("lz4 frame size mismatch: header %d, got %d", size, n)}
		}
		return out, nil
	case model.CodecZstd:
		dec := zstdDecPool.Get().(*zstd.Decoder)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		zstdDecPool.Put(dec)
		if err != nil {
			return nil, &DecodeError{Codec: tag, Cause: err}
		}
		if uint32(len(out)) != size {
			return nil, &DecodeError{Codec: tag, Cause: fmt.Errorf("zstd frame size mismatch: header %d, got %d", size, len(out))}
		}
		return out, nil
	default:
		return nil, &DecodeError{Codec: tag}
	}
}
