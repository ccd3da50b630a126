// Package crypt provides the optional encryption-at-rest transform applied
// to block payloads after compression and before checksumming.
//
// Each sealed payload has the layout
//
//	[Version: 1 byte] [Nonce: 24 bytes] [Ciphertext+Tag: N+16 bytes]
//
// The version byte and the caller's associated data (the owning key and
// block part) are authenticated, so a payload moved to another key or
// position fails to open.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the master key material
const KeySize = 32

// Version is the version byte prepended to every sealed payload
const Version byte = 0x01

// Overhead is the number of bytes sealing adds to a payload
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfoBlocks = []byte("usf.container.blocks.v1")

var (
	// ErrKeyRequired is returned when an encrypted container is used without key material
	ErrKeyRequired = errors.New("encryption key required")
	// ErrDecrypt is returned when a payload fails authentication
	ErrDecrypt = errors.New("decryption failed")
)

// Cipher seals and opens block payloads for one container. It is safe for
// concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the container key from master key material. The
// container's creation timestamp separates keys between containers that
// share the same master key.
func NewCipher(master []byte, created int64) (*Cipher, error) {
	if len(master) == 0 {
		return nil, ErrKeyRequired
	}
	if len(master) != KeySize {
		return nil, fmt.Errorf("key material is %d bytes, expected %d", len(master), KeySize)
	}

	info := binary.LittleEndian.AppendUint64(append([]byte(nil), hkdfInfoBlocks...), uint64(created))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving container key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce
func (c *Cipher) Seal(plaintext, associated []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), Overhead+len(plaintext))
	out[0] = Version
	copy(out[1:], nonce[:])
	return c.aead.Seal(out, nonce[:], plaintext, buildAAD(Version, associated)), nil
}

// Open authenticates and decrypts a payload produced by Seal
func (c *Cipher) Open(sealed, associated []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: payload is %d bytes, minimum is %d", ErrDecrypt, len(sealed), Overhead)
	}
	if sealed[0] != Version {
		return nil, fmt.Errorf("%w: version %d is not supported", ErrDecrypt, sealed[0])
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], buildAAD(sealed[0], associated))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// BlockAAD builds the associated data binding a payload to its key and part
func BlockAAD(key string, part uint32) []byte {
	aad := make([]byte, 0, len(key)+4)
	aad = append(aad, key...)
	return binary.LittleEndian.AppendUint32(aad, part)
}

func buildAAD(version byte, associated []byte) []byte {
	aad := make([]byte, 1+len(associated))
	aad[0] = version
	copy(aad[1:], associated)
	return aad
}

// LoadKey reads key material from r. Exactly KeySize bytes are required.
func LoadKey(r io.Reader) ([]byte, error) {
	key := make([]byte, KeySize+1)
	n, err := io.ReadFull(r, key)
	switch {
	case err == nil:
		return nil, fmt.Errorf("key material longer than %d bytes", KeySize)
	case errors.Is(err, io.ErrUnexpectedEOF) && n == KeySize:
		return key[:KeySize], nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return nil, fmt.Errorf("key material is %d bytes, expected %d", n, KeySize)
	default:
		return nil, fmt.Errorf("reading key material: %w", err)
	}
}

// GenerateKey returns fresh random key material
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
