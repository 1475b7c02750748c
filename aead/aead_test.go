package aead

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/user/blemesh/trunk"
)

var _ trunk.Cipher = (*Cipher)(nil)

func newCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	c, err := New(key)
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	return c
}

func TestSealOpen(t *testing.T) {
	c := newCipher(t)
	for _, msg := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte{7}, 5000)} {
		sealed, err := c.Encrypt(msg)
		if err != nil {
			t.Fatalf("Failed to encrypt: %v", err)
		}
		if len(sealed) != len(msg)+Overhead {
			t.Errorf("Expected %d sealed bytes, got %d", len(msg)+Overhead, len(sealed))
		}
		plain, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Failed to decrypt: %v", err)
		}
		if !bytes.Equal(plain, msg) {
			t.Errorf("Round trip mismatch for %d bytes", len(msg))
		}
	}
}

func TestNoncesDiffer(t *testing.T) {
	c := newCipher(t)
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Errorf("Expected distinct ciphertexts for repeated plaintext")
	}
}

func TestTamperAndWrongKey(t *testing.T) {
	c := newCipher(t)
	sealed, _ := c.Encrypt([]byte("inventory"))
	sealed[len(sealed)-1] ^= 1
	if _, err := c.Decrypt(sealed); err == nil {
		t.Errorf("Expected tampered message to fail")
	}

	other := newCipher(t)
	sealed, _ = c.Encrypt([]byte("inventory"))
	if _, err := other.Decrypt(sealed); err == nil {
		t.Errorf("Expected wrong key to fail")
	}
	if _, err := c.Decrypt(make([]byte, Overhead-1)); !errors.Is(err, ErrShortMessage) {
		t.Errorf("Expected ErrShortMessage, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	if _, err := ParseKey(strings.Repeat("ab", KeySize)); err != nil {
		t.Errorf("Expected valid key, got %v", err)
	}
	if _, err := ParseKey("abcd"); err == nil {
		t.Errorf("Expected short key to fail")
	}
	if _, err := ParseKey("zz"); err == nil {
		t.Errorf("Expected bad hex to fail")
	}
}

func TestWithCodec(t *testing.T) {
	c := newCipher(t)
	tx := trunk.NewCodec(20, c)
	rx := trunk.NewCodec(20, c)
	msg := []byte("slice payload that spans several frames")
	frames, err := tx.Split(msg)
	if err != nil {
		t.Fatalf("Failed to split: %v", err)
	}
	var got []byte
	for _, f := range frames {
		if m, err := rx.Append(f); err != nil {
			t.Fatalf("Failed to append: %v", err)
		} else if m != nil {
			got = m
		}
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("Expected %q, got %q", msg, got)
	}
}
