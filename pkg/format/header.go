package format

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/KevoDB/usf/pkg/checksum"
)

const (
	// FileHeaderSize is the fixed size of the file header in bytes
	FileHeaderSize = 40
	// FileMagic identifies a USF container ("USF1CNTR")
	FileMagic = uint64(0x52544E4331465355)
	// CurrentVersion is the current file format version
	CurrentVersion = uint32(1)

	// MinBlockSize and MaxBlockSize bound the configurable logical block size
	MinBlockSize = 4 * 1024
	MaxBlockSize = 16 * 1024 * 1024
	// DefaultBlockSize is the logical payload carried by one block
	DefaultBlockSize = 64 * 1024
)

// File header flags
const (
	// FlagEncrypted marks a container whose block payloads are encrypted
	FlagEncrypted uint32 = 1 << 0
)

// FileHeader is the first FileHeaderSize bytes of every container
type FileHeader struct {
	Version   uint32
	BlockSize uint32
	Created   int64
	Flags     uint32
}

// NewFileHeader creates a header for a new container
func NewFileHeader(blockSize uint32, flags uint32) *FileHeader {
	return &FileHeader{
		Version:   CurrentVersion,
		BlockSize: blockSize,
		Created:   time.Now().UnixNano(),
		Flags:     flags,
	}
}

// Encrypted reports whether the encryption flag is set
func (h *FileHeader) Encrypted() bool {
	return h.Flags&FlagEncrypted != 0
}

// CreatedAt returns the creation timestamp
func (h *FileHeader) CreatedAt() time.Time {
	return time.Unix(0, h.Created)
}

// Encode serializes the header
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, FileHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], FileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Created))
	binary.LittleEndian.PutUint32(buf[24:28], h.Flags)
	// 28:32 reserved
	binary.LittleEndian.PutUint64(buf[32:40], checksum.Sum64(buf[:32]))
	return buf
}

// DecodeFileHeader parses and validates a file header
func DecodeFileHeader(data []byte) (*FileHeader, error) {
	if len(data) < FileHeaderSize {
		return nil, fmt.Errorf("%w: file header is %d bytes, expected %d",
			ErrTruncated, len(data), FileHeaderSize)
	}

	if magic := binary.LittleEndian.Uint64(data[0:8]); magic != FileMagic {
		return nil, fmt.Errorf("%w: file header has %x, expected %x", ErrBadMagic, magic, FileMagic)
	}

	want := binary.LittleEndian.Uint64(data[32:40])
	if got := checksum.Sum64(data[:32]); got != want {
		return nil, fmt.Errorf("%w: file header has %x, calculated %x", ErrChecksum, want, got)
	}

	h := &FileHeader{
		Version:   binary.LittleEndian.Uint32(data[8:12]),
		BlockSize: binary.LittleEndian.Uint32(data[12:16]),
		Created:   int64(binary.LittleEndian.Uint64(data[16:24])),
		Flags:     binary.LittleEndian.Uint32(data[24:28]),
	}

	if h.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.BlockSize < MinBlockSize || h.BlockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: block size %d out of range", ErrInvalidHeader, h.BlockSize)
	}

	return h, nil
}
