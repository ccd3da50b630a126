// Package format defines the physical layout of a USF container file: the
// fixed file header, the self-describing records that hold blocks,
// tombstones and index snapshots, and the trailer that points at the
// current index. All integers are little endian.
//
//	+-------------+----------+----------+-----+-------+---------+----------+
//	| file header | record 1 | record 2 | ... | index | trailer | record n | ...
//	+-------------+----------+----------+-----+-------+---------+----------+
//
// The file is append only. A successful mutation always ends with an index
// record followed by a trailer, so the last TrailerSize bytes of a cleanly
// written file are a valid trailer.
package format

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadMagic indicates the bytes do not start with the expected magic number
	ErrBadMagic = errors.New("bad magic number")
	// ErrUnsupportedVersion indicates a file header from an unknown format version
	ErrUnsupportedVersion = errors.New("unsupported format version")
	// ErrChecksum indicates a header or trailer failed its own checksum
	ErrChecksum = errors.New("checksum mismatch")
	// ErrTruncated indicates fewer bytes than the structure requires
	ErrTruncated = errors.New("truncated data")
	// ErrInvalidHeader indicates a structurally valid header with impossible field values
	ErrInvalidHeader = errors.New("invalid header")
)

// DataType is the caller supplied hint describing what a payload holds
type DataType uint8

const (
	// TypeUnknown is treated like TypeBinary
	TypeUnknown DataType = iota
	TypeText
	TypeBinary
	TypeImage
	TypeJSON
	TypeStructured
)

// String returns the lower-case name of the data type
func (t DataType) String() string {
	switch t {
	case TypeUnknown:
		return "unknown"
	case TypeText:
		return "text"
	case TypeBinary:
		return "binary"
	case TypeImage:
		return "image"
	case TypeJSON:
		return "json"
	case TypeStructured:
		return "structured"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseDataType parses a data type name as printed by String
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(name) {
	case "unknown", "":
		return TypeUnknown, nil
	case "text":
		return TypeText, nil
	case "binary":
		return TypeBinary, nil
	case "image":
		return TypeImage, nil
	case "json":
		return TypeJSON, nil
	case "structured":
		return TypeStructured, nil
	default:
		return TypeUnknown, fmt.Errorf("unknown data type %q", name)
	}
}
