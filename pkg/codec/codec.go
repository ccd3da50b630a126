// Package codec selects and applies a compression strategy per payload.
//
// A codec identifier is one byte persisted in every block record. The high
// nibble names a whole-entry Transform (delta encoding, image transcoding)
// applied before the entry was split into blocks; the low nibble names the
// Compressor applied to that individual block. Readers replay the recorded
// choice and never re-detect it.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedCodec indicates a codec identifier this build does not implement
	ErrUnsupportedCodec = errors.New("unsupported codec")
	// ErrDecodeMismatch indicates decoded output that disagrees with its declared size or content
	ErrDecodeMismatch = errors.New("decode mismatch")
)

// Compressor identifies the per-block compression algorithm. Values are
// protocol constants.
type Compressor uint8

const (
	CompressorNone   Compressor = 0
	CompressorZstd   Compressor = 1
	CompressorLZ4    Compressor = 2
	CompressorSnappy Compressor = 3
	CompressorXZ     Compressor = 4

	// CompressorAuto asks the dispatcher to choose per data type. It is a
	// selection value only and never appears on disk.
	CompressorAuto Compressor = 0x0F
)

// String returns the name of the compressor
func (c Compressor) String() string {
	switch c {
	case CompressorNone:
		return "none"
	case CompressorZstd:
		return "zstd"
	case CompressorLZ4:
		return "lz4"
	case CompressorSnappy:
		return "snappy"
	case CompressorXZ:
		return "xz"
	case CompressorAuto:
		return "auto"
	default:
		return fmt.Sprintf("compressor(%d)", uint8(c))
	}
}

// Known reports whether c can appear in a block codec identifier
func (c Compressor) Known() bool {
	return c <= CompressorXZ
}

// ParseCompressor parses a compressor name as printed by String
func ParseCompressor(name string) (Compressor, error) {
	switch strings.ToLower(name) {
	case "auto", "":
		return CompressorAuto, nil
	case "none":
		return CompressorNone, nil
	case "zstd":
		return CompressorZstd, nil
	case "lz4":
		return CompressorLZ4, nil
	case "snappy":
		return CompressorSnappy, nil
	case "xz":
		return CompressorXZ, nil
	default:
		return 0, fmt.Errorf("unknown compressor %q", name)
	}
}

// Transform identifies a whole-entry re-encoding applied before chunking
type Transform uint8

const (
	TransformNone Transform = 0
	// TransformDelta stores a little-endian i64 sequence as zigzag varint deltas
	TransformDelta Transform = 1
	// TransformDeltaJSON stores a canonical JSON integer array as zigzag varint deltas
	TransformDeltaJSON Transform = 2
	// TransformImagePNG stores a PNG written at default compression as a smaller PNG
	TransformImagePNG Transform = 3
	// TransformImagePNGStored is TransformImagePNG for sources written without compression
	TransformImagePNGStored Transform = 4
	// TransformImagePNGFast is TransformImagePNG for sources written at best speed
	TransformImagePNGFast Transform = 5
	// TransformImageFallback records that transcoding was attempted and
	// rejected; the stream is the original payload
	TransformImageFallback Transform = 6
)

// String returns the name of the transform
func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformDelta:
		return "delta"
	case TransformDeltaJSON:
		return "delta-json"
	case TransformImagePNG:
		return "image-png"
	case TransformImagePNGStored:
		return "image-png-stored"
	case TransformImagePNGFast:
		return "image-png-fast"
	case TransformImageFallback:
		return "image-fallback"
	default:
		return fmt.Sprintf("transform(%d)", uint8(t))
	}
}

// Known reports whether this build can invert t
func (t Transform) Known() bool {
	return t <= TransformImageFallback
}

// IsImage reports whether t is one of the image transcodings
func (t Transform) IsImage() bool {
	return t >= TransformImagePNG && t <= TransformImagePNGFast
}

// ID is the per-block codec identifier persisted on disk
type ID uint8

// MakeID combines a transform and a compressor into a codec identifier
func MakeID(t Transform, c Compressor) ID {
	return ID(uint8(t)<<4 | uint8(c)&0x0F)
}

// Transform returns the whole-entry transform recorded in id
func (id ID) Transform() Transform {
	return Transform(uint8(id) >> 4)
}

// Compressor returns the block compressor recorded in id
func (id ID) Compressor() Compressor {
	return Compressor(uint8(id) & 0x0F)
}

// Validate returns ErrUnsupportedCodec when either half of id is unknown
func (id ID) Validate() error {
	if !id.Transform().Known() {
		return fmt.Errorf("%w: transform %d in codec %#02x", ErrUnsupportedCodec, uint8(id.Transform()), uint8(id))
	}
	if !id.Compressor().Known() {
		return fmt.Errorf("%w: compressor %d in codec %#02x", ErrUnsupportedCodec, uint8(id.Compressor()), uint8(id))
	}
	return nil
}

// String renders the identifier as transform+compressor
func (id ID) String() string {
	return id.Transform().String() + "+" + id.Compressor().String()
}
