package secure

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSecurity is wrapped by every decryption or key-exchange failure.
// Such datagrams are dropped and never retried.
var ErrSecurity = errors.New("security error")

// NonceSize is the size of the nonce prefixed to every sealed frame.
const NonceSize = chacha20poly1305.NonceSize

// Overhead is the number of bytes a sealed frame adds to its plaintext.
const Overhead = NonceSize + chacha20poly1305.Overhead

// Cipher seals and opens frames under one session key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for sk.
func NewCipher(sk SessionKey) (*Cipher, error) {
	aead, err := chacha20poly1305.New(sk[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal appends [nonce][ciphertext‖tag] of plaintext to dst. The nonce is
// drawn fresh from the system random source for every call.
func (c *Cipher) Seal(dst, plaintext, additional []byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	dst = append(dst, nonce[:]...)
	return c.aead.Seal(dst, nonce[:], plaintext, additional), nil
}

// Open authenticates and decrypts a [nonce][ciphertext‖tag] frame.
// A nil Cipher always fails: there is nothing to open with.
func (c *Cipher) Open(sealed, additional []byte) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: no session key", ErrSecurity)
	}
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: sealed frame too short (%d bytes)", ErrSecurity, len(sealed))
	}
	plain, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecurity, err)
	}
	return plain, nil
}
