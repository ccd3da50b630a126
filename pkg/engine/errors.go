package engine

import (
	"errors"

	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/config"
	"github.com/KevoDB/usf/pkg/container"
	"github.com/KevoDB/usf/pkg/crypt"
	"github.com/KevoDB/usf/pkg/format"
)

var (
	// ErrEngineClosed is returned when operations are performed on a closed engine
	ErrEngineClosed = errors.New("engine is closed")
	// ErrInvalidKey is returned for empty, oversized or non UTF-8 keys
	ErrInvalidKey = errors.New("invalid key")
	// ErrContainerExists is returned by Create when the path already exists
	ErrContainerExists = errors.New("container already exists")
)

// Errors surfaced from lower layers, re-exported so callers only need this
// package to classify failures with errors.Is.
var (
	ErrKeyNotFound      = container.ErrKeyNotFound
	ErrIO               = container.ErrIO
	ErrCorruptBlock     = container.ErrCorruptBlock
	ErrLocked           = container.ErrLocked
	ErrNotContainer     = container.ErrNotContainer
	ErrDecodeMismatch   = codec.ErrDecodeMismatch
	ErrUnsupportedCodec = codec.ErrUnsupportedCodec
	ErrKeyRequired      = crypt.ErrKeyRequired
	ErrDecrypt          = crypt.ErrDecrypt
	ErrInvalidConfig    = config.ErrInvalidConfig
	ErrBadMagic         = format.ErrBadMagic
	ErrChecksum         = format.ErrChecksum
)

type (
	// BlockError identifies the block that failed a read
	BlockError = container.BlockError
	// IOError describes a failed file operation
	IOError = container.IOError
	// Corruption reports one key that failed verification
	Corruption = container.Corruption
	// CompactStats summarizes a compaction
	CompactStats = container.CompactStats
	// RecoveryInfo describes how the index was obtained at open
	RecoveryInfo = container.RecoveryInfo
)

// IsCorruption reports whether err marks stored data that failed
// verification or decoding
func IsCorruption(err error) bool {
	return container.IsCorruption(err)
}
