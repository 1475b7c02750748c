// Package aead seals protocol messages with XChaCha20-Poly1305. Every
// message carries its own random nonce, so the cipher is stateless and safe
// for concurrent use.
package aead

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a session key in bytes.
const KeySize = chacha20poly1305.KeySize

// Overhead is the number of bytes sealing adds to a message.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var ErrShortMessage = errors.New("aead: sealed message too short")

type Cipher struct {
	aead cipher.AEAD
}

// New returns a cipher for a 32-byte key.
func New(key []byte) (*Cipher, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return &Cipher{aead: a}, nil
}

// ParseKey decodes a hex-encoded key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("aead: decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key is %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// GenerateKey returns a random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("aead: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a message produced by Encrypt.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(sealed))
	}
	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("aead: open: %w", err)
	}
	return plain, nil
}
