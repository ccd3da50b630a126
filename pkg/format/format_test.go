package format

import (
	"bytes"
	"errors"
	"testing"

	"github.com/KevoDB/usf/pkg/checksum"
)

func TestFileHeaderEncodeDecode(t *testing.T) {
	h := NewFileHeader(DefaultBlockSize, FlagEncrypted)

	encoded := h.Encode()
	if len(encoded) != FileHeaderSize {
		t.Fatalf("Encoded header size is %d, expected %d", len(encoded), FileHeaderSize)
	}

	decoded, err := DecodeFileHeader(encoded)
	if err != nil {
		t.Fatalf("Failed to decode header: %v", err)
	}

	if *decoded != *h {
		t.Errorf("Header mismatch: got %+v, expected %+v", decoded, h)
	}
	if !decoded.Encrypted() {
		t.Error("Expected encrypted flag to survive encoding")
	}
}

func TestFileHeaderCorruption(t *testing.T) {
	encoded := NewFileHeader(DefaultBlockSize, 0).Encode()

	testCases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name:   "bad magic",
			mutate: func(b []byte) []byte { b[0] ^= 0xFF; return b },
			want:   ErrBadMagic,
		},
		{
			name:   "flipped block size",
			mutate: func(b []byte) []byte { b[13] ^= 0x01; return b },
			want:   ErrChecksum,
		},
		{
			name:   "truncated",
			mutate: func(b []byte) []byte { return b[:FileHeaderSize-1] },
			want:   ErrTruncated,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mutate(append([]byte(nil), encoded...))
			if _, err := DecodeFileHeader(data); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func newTestHeader() *RecordHeader {
	return &RecordHeader{
		Kind:       KindBlock,
		DataType:   TypeText,
		Codec:      0x01,
		Flags:      RecordEncrypted,
		Sequence:   42,
		Generation: 7,
		Part:       1,
		Parts:      3,
		RawLength:  11,
		EntrySize:  150000,
		Created:    1000,
		Modified:   2000,
		Digest:     checksum.ContentDigest([]byte("entry")),
		Key:        "a.txt",
	}
}

func TestRecordEncodeSplit(t *testing.T) {
	h := newTestHeader()
	payload := []byte("hello world")

	record, err := EncodeRecord(h, payload)
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if int64(len(record)) != h.Size() {
		t.Errorf("record is %d bytes, header reports %d", len(record), h.Size())
	}

	decoded, body, err := SplitRecord(record)
	if err != nil {
		t.Fatalf("SplitRecord failed: %v", err)
	}

	if !bytes.Equal(body, payload) {
		t.Errorf("payload mismatch: got %q, expected %q", body, payload)
	}
	if *decoded != *h {
		t.Errorf("header mismatch:\n got %+v\nwant %+v", decoded, h)
	}
	if !checksum.Verify(body, decoded.Checksum) {
		t.Error("payload checksum does not verify")
	}
	if !decoded.Encrypted() {
		t.Error("expected encrypted flag")
	}
}

func TestRecordHeaderCoversKey(t *testing.T) {
	record, err := EncodeRecord(newTestHeader(), []byte("x"))
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}

	// Flip a byte of the key; the header checksum must notice
	record[RecordHeaderSize] ^= 0x20
	if _, err := DecodeRecordHeader(record); !errors.Is(err, ErrChecksum) {
		t.Errorf("expected checksum error for damaged key, got %v", err)
	}
}

func TestRecordPayloadDamageLeavesHeaderValid(t *testing.T) {
	h := newTestHeader()
	record, err := EncodeRecord(h, []byte("payload bytes"))
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}

	record[len(record)-1] ^= 0xFF
	decoded, body, err := SplitRecord(record)
	if err != nil {
		t.Fatalf("payload damage must not break header decoding: %v", err)
	}
	if checksum.Verify(body, decoded.Checksum) {
		t.Error("payload checksum verified over damaged payload")
	}
}

func TestRecordInvalidPart(t *testing.T) {
	h := newTestHeader()
	h.Part = 3
	record, err := EncodeRecord(h, nil)
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if _, err := DecodeRecordHeader(record); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestRecordKeyTooLong(t *testing.T) {
	h := newTestHeader()
	h.Key = string(bytes.Repeat([]byte("k"), MaxKeyLength+1))
	if _, err := h.Encode(); err == nil {
		t.Error("expected error for oversized key")
	}
}

func TestTrailerEncodeDecode(t *testing.T) {
	tr := &Trailer{IndexOffset: 4096, IndexLength: 512, Generation: 9, NextSequence: 31}
	encoded := tr.Encode()
	if len(encoded) != TrailerSize {
		t.Fatalf("Encoded trailer size is %d, expected %d", len(encoded), TrailerSize)
	}
	if !IsTrailerStart(encoded) || IsRecordStart(encoded) {
		t.Error("trailer magic detection is wrong")
	}

	decoded, err := DecodeTrailer(encoded)
	if err != nil {
		t.Fatalf("Failed to decode trailer: %v", err)
	}
	if *decoded != *tr {
		t.Errorf("trailer mismatch: got %+v, expected %+v", decoded, tr)
	}

	encoded[20] ^= 0x01
	if _, err := DecodeTrailer(encoded); !errors.Is(err, ErrChecksum) {
		t.Errorf("expected checksum error, got %v", err)
	}
}

func TestParseDataType(t *testing.T) {
	for _, dt := range []DataType{TypeUnknown, TypeText, TypeBinary, TypeImage, TypeJSON, TypeStructured} {
		parsed, err := ParseDataType(dt.String())
		if err != nil {
			t.Fatalf("ParseDataType(%q) failed: %v", dt.String(), err)
		}
		if parsed != dt {
			t.Errorf("ParseDataType(%q) = %v, expected %v", dt.String(), parsed, dt)
		}
	}
	if _, err := ParseDataType("video"); err == nil {
		t.Error("expected error for unknown type")
	}
}
