package container

import (
	"errors"
	"fmt"

	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/crypt"
)

var (
	// ErrIO indicates that reading, writing or syncing the container file failed
	ErrIO = errors.New("container i/o failure")
	// ErrCorruptBlock indicates a block whose stored bytes fail verification
	ErrCorruptBlock = errors.New("corrupt block")
	// ErrKeyNotFound indicates a lookup for a key that is not stored
	ErrKeyNotFound = errors.New("key not found")
	// ErrClosed indicates use of a closed container
	ErrClosed = errors.New("container is closed")
	// ErrLocked indicates the container is held open by another process
	ErrLocked = errors.New("container is locked by another process")
	// ErrNotContainer indicates a file that does not start with a valid header
	ErrNotContainer = errors.New("not a container file")
)

// IOError describes a failed file operation. The container is left as it
// was before the operation that encountered it.
type IOError struct {
	Op     string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", e.Op, e.Offset, e.Err)
}

// Unwrap exposes both ErrIO and the underlying cause
func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

func ioError(op string, offset int64, err error) error {
	return &IOError{Op: op, Offset: offset, Err: err}
}

// BlockErrorKind classifies a per-block read failure
type BlockErrorKind int

const (
	// CorruptBlock means the record or its payload checksum did not verify
	CorruptBlock BlockErrorKind = iota
	// DecodeMismatch means decompressed or restored output disagreed with
	// the declared length or digest
	DecodeMismatch
	// UnsupportedCodec means the block names a codec this build lacks
	UnsupportedCodec
	// DecryptFailed means the encrypted payload failed authentication
	DecryptFailed
)

// String returns the name of the kind
func (k BlockErrorKind) String() string {
	switch k {
	case CorruptBlock:
		return "corrupt block"
	case DecodeMismatch:
		return "decode mismatch"
	case UnsupportedCodec:
		return "unsupported codec"
	case DecryptFailed:
		return "decrypt failed"
	default:
		return fmt.Sprintf("block error(%d)", int(k))
	}
}

func (k BlockErrorKind) sentinel() error {
	switch k {
	case DecodeMismatch:
		return codec.ErrDecodeMismatch
	case UnsupportedCodec:
		return codec.ErrUnsupportedCodec
	case DecryptFailed:
		return crypt.ErrDecrypt
	default:
		return ErrCorruptBlock
	}
}

// BlockError reports a failure reading one block of one key. It identifies
// the failing block by its position within the entry and its sequence
// number. Index is -1 when the failure concerns the reassembled entry
// rather than a single block.
type BlockError struct {
	Kind     BlockErrorKind
	Key      string
	Index    int
	Sequence uint64
	Offset   uint64
	Err      error
}

func (e *BlockError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s in key %q: %v", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("%s in key %q block %d (seq %d at offset %d): %v",
		e.Kind, e.Key, e.Index, e.Sequence, e.Offset, e.Err)
}

// Unwrap exposes the kind's sentinel and the underlying cause, so callers
// can match with errors.Is(err, ErrCorruptBlock) and similar.
func (e *BlockError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// IsCorruption reports whether err marks data that failed verification or
// decoding, as opposed to an I/O failure or a missing key.
func IsCorruption(err error) bool {
	var be *BlockError
	return errors.As(err, &be)
}
