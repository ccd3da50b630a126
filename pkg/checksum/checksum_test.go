package checksum

import (
	"bytes"
	"testing"
)

func TestSum64Deterministic(t *testing.T) {
	data := []byte("hello world")
	if Sum64(data) != Sum64(append([]byte(nil), data...)) {
		t.Fatal("checksum is not deterministic")
	}
	if Sum64(data) == Sum64([]byte("hello worle")) {
		t.Error("single byte change did not change checksum")
	}
}

func TestSum64Parts(t *testing.T) {
	a := []byte("block header bytes")
	b := []byte("key")
	c := bytes.Repeat([]byte{0xAB}, 4096)

	joined := append(append(append([]byte(nil), a...), b...), c...)
	if got, want := Sum64Parts(a, b, c), Sum64(joined); got != want {
		t.Errorf("Sum64Parts = %x, want %x", got, want)
	}
	if Sum64Parts() != Sum64(nil) {
		t.Error("empty Sum64Parts differs from checksum of empty input")
	}
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	sum := Sum64(data)
	if !Verify(data, sum) {
		t.Error("Verify rejected matching checksum")
	}
	data[0] ^= 0xFF
	if Verify(data, sum) {
		t.Error("Verify accepted corrupted data")
	}
}

func TestContentDigest(t *testing.T) {
	var zero Digest
	if !zero.IsZero() {
		t.Error("zero digest not reported as zero")
	}

	d := ContentDigest([]byte("hello world"))
	if d.IsZero() {
		t.Error("digest of non-empty input is zero")
	}
	if d != ContentDigest([]byte("hello world")) {
		t.Error("digest is not deterministic")
	}
	if d == ContentDigest([]byte("hello world!")) {
		t.Error("different inputs produced the same digest")
	}
	if ContentDigest(nil).IsZero() {
		t.Error("digest of empty input should not be the zero value")
	}
}
