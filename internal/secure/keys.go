// Package secure holds the key material of the transport: Curve25519 key
// pairs used to bootstrap a session, the per-peer session keys, and the AEAD
// that seals every post-handshake datagram.
package secure

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of every key handled by this package.
const KeySize = 32

type key [KeySize]byte

// PublicKey is a Curve25519 public key.
//
// String form is the letter "P" plus a base64 rendering of 32 bytes.
type PublicKey key

// PrivateKey is a Curve25519 private key.
//
// String form is the letter "p" plus a base64 rendering of 32 bytes.
type PrivateKey key

// SessionKey is the symmetric key shared by two peers after the handshake.
type SessionKey key

func (k PublicKey) String() string {
	return "P" + base64.StdEncoding.EncodeToString(k[:])
}

func (k PrivateKey) String() string {
	return "p" + base64.StdEncoding.EncodeToString(k[:])
}

// Public derives the public half of k.
func (k PrivateKey) Public() PublicKey {
	var pub PublicKey
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		// X25519 only fails for low-order points, which the base point is not.
		panic(err)
	}
	copy(pub[:], out)
	return pub
}

// GenerateKeyPair creates a fresh Curve25519 key pair.
// It is safe to invoke this function concurrently.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("generate key pair: %w", err)
	}
	return PrivateKey(*priv), PublicKey(*pub), nil
}

// NewSessionKey draws a session key from the system random source.
func NewSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generate session key: %w", err)
	}
	return k, nil
}

// ParsePublicKey decodes the string form of a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	k, err := keyFromString(s, 'P', "public")
	return PublicKey(k), err
}

// ParsePrivateKey decodes the string form of a private key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	k, err := keyFromString(s, 'p', "private")
	return PrivateKey(k), err
}

// PublicKeyFromBytes copies a raw 32-byte public key, as carried in an
// EXCHANGE reply.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: public key is %d bytes, want %d", ErrSecurity, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

func keyFromString(s string, prefix byte, kind string) (k key, err error) {
	if len(s) < 1 {
		return k, fmt.Errorf("%s key is too short", kind)
	}
	if s[0] != prefix {
		switch s[0] {
		case 'P':
			return k, fmt.Errorf("%s key %s appears to be a public key", kind, s)
		case 'p':
			return k, fmt.Errorf("%s key appears to be a private key", kind)
		}
		return k, fmt.Errorf("%s key is not valid", kind)
	}
	data, err := base64.StdEncoding.DecodeString(s[1:])
	if err != nil {
		return k, fmt.Errorf("%s key: %w", kind, err)
	}
	if len(data) != KeySize {
		return k, fmt.Errorf("%s key does not decode to %d bytes", kind, KeySize)
	}
	copy(k[:], data)
	return k, nil
}

// SealKey encrypts a session key to the responder's public key. Only the
// holder of the matching private key can open it; the sender stays
// anonymous.
func SealKey(sk SessionKey, to PublicKey) ([]byte, error) {
	pub := [KeySize]byte(to)
	sealed, err := box.SealAnonymous(nil, sk[:], &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal session key: %w", err)
	}
	return sealed, nil
}

// OpenKey reverses SealKey with the responder's key pair.
func OpenKey(sealed []byte, pub PublicKey, priv PrivateKey) (SessionKey, error) {
	var sk SessionKey
	p, q := [KeySize]byte(pub), [KeySize]byte(priv)
	raw, ok := box.OpenAnonymous(nil, sealed, &p, &q)
	if !ok {
		return sk, fmt.Errorf("%w: sealed session key does not open", ErrSecurity)
	}
	if len(raw) != KeySize {
		return sk, fmt.Errorf("%w: session key is %d bytes, want %d", ErrSecurity, len(raw), KeySize)
	}
	copy(sk[:], raw)
	return sk, nil
}
