package format

import (
	"encoding/binary"
	"fmt"

	"github.com/KevoDB/usf/pkg/checksum"
)

const (
	// TrailerSize is the fixed size of the trailer in bytes
	TrailerSize = 48
	// TrailerMagic identifies a trailer ("USFTRAIL")
	TrailerMagic = uint64(0x4C49415254465355)
)

// Trailer points at the index record that describes the container. It is
// the last thing written by every successful mutation.
type Trailer struct {
	// Offset of the index record from the start of the file
	IndexOffset uint64
	// Length of the whole index record
	IndexLength uint64
	// Last generation assigned when the trailer was written
	Generation uint64
	// Next block sequence number to assign
	NextSequence uint64
}

// Encode serializes the trailer
func (t *Trailer) Encode() []byte {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], TrailerMagic)
	binary.LittleEndian.PutUint64(buf[8:16], t.IndexOffset)
	binary.LittleEndian.PutUint64(buf[16:24], t.IndexLength)
	binary.LittleEndian.PutUint64(buf[24:32], t.Generation)
	binary.LittleEndian.PutUint64(buf[32:40], t.NextSequence)
	binary.LittleEndian.PutUint64(buf[40:48], checksum.Sum64(buf[:40]))
	return buf
}

// DecodeTrailer parses and validates a trailer
func DecodeTrailer(data []byte) (*Trailer, error) {
	if len(data) < TrailerSize {
		return nil, fmt.Errorf("%w: trailer is %d bytes, expected %d",
			ErrTruncated, len(data), TrailerSize)
	}

	if magic := binary.LittleEndian.Uint64(data[0:8]); magic != TrailerMagic {
		return nil, fmt.Errorf("%w: trailer has %x, expected %x", ErrBadMagic, magic, TrailerMagic)
	}

	want := binary.LittleEndian.Uint64(data[40:48])
	if got := checksum.Sum64(data[:40]); got != want {
		return nil, fmt.Errorf("%w: trailer has %x, calculated %x", ErrChecksum, want, got)
	}

	return &Trailer{
		IndexOffset:  binary.LittleEndian.Uint64(data[8:16]),
		IndexLength:  binary.LittleEndian.Uint64(data[16:24]),
		Generation:   binary.LittleEndian.Uint64(data[24:32]),
		NextSequence: binary.LittleEndian.Uint64(data[32:40]),
	}, nil
}

// IsRecordStart reports whether data begins with a record magic number
func IsRecordStart(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == RecordMagic
}

// IsTrailerStart reports whether data begins with a trailer magic number
func IsTrailerStart(data []byte) bool {
	return len(data) >= 8 && binary.LittleEndian.Uint64(data[0:8]) == TrailerMagic
}
