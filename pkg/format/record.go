package format

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/KevoDB/usf/pkg/checksum"
)

const (
	// RecordHeaderSize is the fixed part of a record header. The key bytes
	// follow it, then the stored payload.
	RecordHeaderSize = 116
	// RecordMagic starts every record ("USKB")
	RecordMagic = uint32(0x424B5355)
	// MaxKeyLength is the longest key a record can carry
	MaxKeyLength = 1<<16 - 1

	// headerChecksumOffset is where the header checksum lives; it covers
	// every byte before it plus the key
	headerChecksumOffset = 108
)

// RecordKind distinguishes the records that share the append log
type RecordKind uint8

const (
	// KindBlock holds one chunk of an entry's payload
	KindBlock RecordKind = 1
	// KindTombstone marks a key as deleted at a generation
	KindTombstone RecordKind = 2
	// KindIndex holds a serialized index snapshot
	KindIndex RecordKind = 3
)

// String returns the name of the record kind
func (k RecordKind) String() string {
	switch k {
	case KindBlock:
		return "block"
	case KindTombstone:
		return "tombstone"
	case KindIndex:
		return "index"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Record flags
const (
	// RecordEncrypted marks a payload passed through the encryption transform
	RecordEncrypted uint8 = 1 << 0
)

// RecordHeader describes one record. Block records carry enough metadata
// (key, generation, part numbering, entry size, timestamps, digest) for the
// index to be rebuilt from a linear scan when the trailer is lost.
type RecordHeader struct {
	Kind       RecordKind
	DataType   DataType
	Codec      uint8
	Flags      uint8
	Sequence   uint64
	Generation uint64
	Part       uint32
	Parts      uint32
	RawLength  uint32
	StoredLen  uint32
	EntrySize  uint64
	Created    int64
	Modified   int64
	Digest     checksum.Digest
	Checksum   uint64
	Key        string
}

// Encrypted reports whether the payload was encrypted before checksumming
func (h *RecordHeader) Encrypted() bool {
	return h.Flags&RecordEncrypted != 0
}

// ModifiedAt returns the modification timestamp
func (h *RecordHeader) ModifiedAt() time.Time {
	return time.Unix(0, h.Modified)
}

// Size returns the total on-disk size of the record including its payload
func (h *RecordHeader) Size() int64 {
	return int64(RecordHeaderSize) + int64(len(h.Key)) + int64(h.StoredLen)
}

// Encode serializes the header and key. Payload bytes are written by the
// caller directly after the returned slice.
func (h *RecordHeader) Encode() ([]byte, error) {
	if len(h.Key) > MaxKeyLength {
		return nil, fmt.Errorf("key length %d exceeds %d", len(h.Key), MaxKeyLength)
	}

	buf := make([]byte, RecordHeaderSize+len(h.Key))
	binary.LittleEndian.PutUint32(buf[0:4], RecordMagic)
	buf[4] = byte(h.Kind)
	buf[5] = byte(h.DataType)
	buf[6] = h.Codec
	buf[7] = h.Flags
	binary.LittleEndian.PutUint64(buf[8:16], h.Sequence)
	binary.LittleEndian.PutUint64(buf[16:24], h.Generation)
	binary.LittleEndian.PutUint32(buf[24:28], h.Part)
	binary.LittleEndian.PutUint32(buf[28:32], h.Parts)
	binary.LittleEndian.PutUint32(buf[32:36], h.RawLength)
	binary.LittleEndian.PutUint32(buf[36:40], h.StoredLen)
	binary.LittleEndian.PutUint64(buf[40:48], h.EntrySize)
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.Created))
	binary.LittleEndian.PutUint64(buf[56:64], uint64(h.Modified))
	binary.LittleEndian.PutUint16(buf[64:66], uint16(len(h.Key)))
	// 66:68 reserved
	copy(buf[68:100], h.Digest[:])
	binary.LittleEndian.PutUint64(buf[100:108], h.Checksum)
	copy(buf[RecordHeaderSize:], h.Key)

	sum := checksum.Sum64Parts(buf[:headerChecksumOffset], buf[RecordHeaderSize:])
	binary.LittleEndian.PutUint64(buf[headerChecksumOffset:RecordHeaderSize], sum)

	return buf, nil
}

// PeekKeyLength returns the key length of a record whose fixed header is in
// data, without validating anything else
func PeekKeyLength(data []byte) (int, error) {
	if len(data) < RecordHeaderSize {
		return 0, fmt.Errorf("%w: record header is %d bytes, expected %d",
			ErrTruncated, len(data), RecordHeaderSize)
	}
	return int(binary.LittleEndian.Uint16(data[64:66])), nil
}

// DecodeRecordHeader parses a record header. data must contain the fixed
// header followed by the key bytes; trailing payload bytes are ignored.
func DecodeRecordHeader(data []byte) (*RecordHeader, error) {
	keyLen, err := PeekKeyLength(data)
	if err != nil {
		return nil, err
	}

	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != RecordMagic {
		return nil, fmt.Errorf("%w: record has %x, expected %x", ErrBadMagic, magic, RecordMagic)
	}

	if len(data) < RecordHeaderSize+keyLen {
		return nil, fmt.Errorf("%w: record key needs %d bytes, have %d",
			ErrTruncated, keyLen, len(data)-RecordHeaderSize)
	}
	key := data[RecordHeaderSize : RecordHeaderSize+keyLen]

	want := binary.LittleEndian.Uint64(data[headerChecksumOffset:RecordHeaderSize])
	if got := checksum.Sum64Parts(data[:headerChecksumOffset], key); got != want {
		return nil, fmt.Errorf("%w: record header has %x, calculated %x", ErrChecksum, want, got)
	}

	h := &RecordHeader{
		Kind:       RecordKind(data[4]),
		DataType:   DataType(data[5]),
		Codec:      data[6],
		Flags:      data[7],
		Sequence:   binary.LittleEndian.Uint64(data[8:16]),
		Generation: binary.LittleEndian.Uint64(data[16:24]),
		Part:       binary.LittleEndian.Uint32(data[24:28]),
		Parts:      binary.LittleEndian.Uint32(data[28:32]),
		RawLength:  binary.LittleEndian.Uint32(data[32:36]),
		StoredLen:  binary.LittleEndian.Uint32(data[36:40]),
		EntrySize:  binary.LittleEndian.Uint64(data[40:48]),
		Created:    int64(binary.LittleEndian.Uint64(data[48:56])),
		Modified:   int64(binary.LittleEndian.Uint64(data[56:64])),
		Checksum:   binary.LittleEndian.Uint64(data[100:108]),
		Key:        string(key),
	}
	copy(h.Digest[:], data[68:100])

	switch h.Kind {
	case KindBlock, KindTombstone, KindIndex:
	default:
		return nil, fmt.Errorf("%w: unknown record kind %d", ErrInvalidHeader, data[4])
	}

	if h.Kind == KindBlock && h.Part >= h.Parts {
		return nil, fmt.Errorf("%w: part %d of %d", ErrInvalidHeader, h.Part, h.Parts)
	}

	return h, nil
}

// EncodeRecord assembles a complete record: header, key and payload. The
// payload checksum is computed here over payload exactly as it will be
// written.
func EncodeRecord(h *RecordHeader, payload []byte) ([]byte, error) {
	h.StoredLen = uint32(len(payload))
	h.Checksum = checksum.Sum64(payload)

	head, err := h.Encode()
	if err != nil {
		return nil, err
	}

	record := make([]byte, len(head)+len(payload))
	copy(record, head)
	copy(record[len(head):], payload)
	return record, nil
}

// SplitRecord decodes a complete record and returns its header and the
// payload slice. The payload checksum is not verified; callers decide how
// to report a mismatch.
func SplitRecord(data []byte) (*RecordHeader, []byte, error) {
	h, err := DecodeRecordHeader(data)
	if err != nil {
		return nil, nil, err
	}

	start := RecordHeaderSize + len(h.Key)
	end := start + int(h.StoredLen)
	if len(data) < end {
		return nil, nil, fmt.Errorf("%w: record payload needs %d bytes, have %d",
			ErrTruncated, h.StoredLen, len(data)-start)
	}

	return h, data[start:end], nil
}
