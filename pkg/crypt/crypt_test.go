package crypt

import (
	"bytes"
	"errors"
	"testing"
)

func testCipher(t *testing.T, created int64) *Cipher {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, KeySize)
	c, err := NewCipher(key, created)
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	return c
}

func TestSealOpen(t *testing.T) {
	c := testCipher(t, 1000)
	plaintext := []byte("block payload bytes")
	aad := BlockAAD("docs/a.txt", 3)

	sealed, err := c.Seal(plaintext, aad)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if len(sealed) != len(plaintext)+Overhead {
		t.Errorf("Sealed size %d, expected %d", len(sealed), len(plaintext)+Overhead)
	}

	opened, err := c.Open(sealed, aad)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Opened %q, expected %q", opened, plaintext)
	}
}

func TestOpenRejects(t *testing.T) {
	c := testCipher(t, 1000)
	aad := BlockAAD("k", 0)
	sealed, err := c.Seal([]byte("secret"), aad)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	badVersion := append([]byte(nil), sealed...)
	badVersion[0] = 0x09

	tests := []struct {
		name   string
		cipher *Cipher
		sealed []byte
		aad    []byte
	}{
		{"tampered ciphertext", c, tampered, aad},
		{"wrong key name", c, sealed, BlockAAD("other", 0)},
		{"wrong part", c, sealed, BlockAAD("k", 1)},
		{"bad version", c, badVersion, aad},
		{"too short", c, sealed[:Overhead-1], aad},
		{"other container", testCipher(t, 2000), sealed, aad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cipher.Open(tt.sealed, tt.aad); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Expected ErrDecrypt, got %v", err)
			}
		})
	}
}

func TestNewCipherKeyValidation(t *testing.T) {
	if _, err := NewCipher(nil, 0); !errors.Is(err, ErrKeyRequired) {
		t.Errorf("Expected ErrKeyRequired, got %v", err)
	}
	if _, err := NewCipher(make([]byte, 16), 0); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestLoadKey(t *testing.T) {
	key, err := LoadKey(bytes.NewReader(bytes.Repeat([]byte{1}, KeySize)))
	if err != nil {
		t.Fatalf("Failed to load key: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("Key length %d, expected %d", len(key), KeySize)
	}

	if _, err := LoadKey(bytes.NewReader(make([]byte, KeySize-1))); err == nil {
		t.Error("Expected error for short key material")
	}
	if _, err := LoadKey(bytes.NewReader(make([]byte, KeySize+1))); err == nil {
		t.Error("Expected error for long key material")
	}
	if _, err := LoadKey(bytes.NewReader(nil)); err == nil {
		t.Error("Expected error for empty key material")
	}
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("Two generated keys are identical")
	}
}
