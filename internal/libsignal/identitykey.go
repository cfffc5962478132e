package libsignal

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// djbType is the key-type prefix of a serialized Curve25519 public key.
const djbType = 0x05

// PublicKey is a Curve25519 public key. Serialized form is 33 bytes:
// the 0x05 type byte followed by the 32-byte point.
type PublicKey struct {
	key [32]byte
}

// DeserializePublicKey reconstructs a public key from its 33-byte form.
func DeserializePublicKey(data []byte) (*PublicKey, error) {
	if len(data) != 33 {
		return nil, &Error{Code: ErrorCodeInvalidKey, Message: fmt.Sprintf("public key must be 33 bytes, got %d", len(data))}
	}
	if data[0] != djbType {
		return nil, &Error{Code: ErrorCodeInvalidKey, Message: fmt.Sprintf("unknown key type 0x%02x", data[0])}
	}
	var pk PublicKey
	copy(pk.key[:], data[1:])
	return &pk, nil
}

// Serialize returns the 33-byte serialized form of the public key.
func (k *PublicKey) Serialize() []byte {
	out := make([]byte, 33)
	out[0] = djbType
	copy(out[1:], k.key[:])
	return out
}

// Bytes returns the raw 32-byte point.
func (k *PublicKey) Bytes() []byte {
	return bytes.Clone(k.key[:])
}

// Equal reports whether two public keys are identical, in constant time.
// A nil key is only equal to another nil key.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return subtle.ConstantTimeCompare(k.key[:], other.key[:]) == 1
}

// IdentityKeyPair holds a public/private key pair used as a long-term identity.
type IdentityKeyPair struct {
	PublicKey *PublicKey
	private   [32]byte
}

// GenerateIdentityKeyPair creates a new random identity key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("libsignal: generate private key: %w", err)
	}
	return NewIdentityKeyPair(priv[:])
}

// NewIdentityKeyPair derives the key pair for a 32-byte private scalar.
func NewIdentityKeyPair(private []byte) (*IdentityKeyPair, error) {
	if len(private) != 32 {
		return nil, &Error{Code: ErrorCodeInvalidKey, Message: fmt.Sprintf("private key must be 32 bytes, got %d", len(private))}
	}
	kp := &IdentityKeyPair{PublicKey: &PublicKey{}}
	copy(kp.private[:], private)
	// Clamp as X25519 does, so the stored scalar is canonical.
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("libsignal: derive public key: %w", err)
	}
	copy(kp.PublicKey.key[:], pub)
	return kp, nil
}

// PrivateKey returns a copy of the 32-byte private scalar.
func (kp *IdentityKeyPair) PrivateKey() []byte {
	return bytes.Clone(kp.private[:])
}

// Agree computes the X25519 shared secret with a peer public key.
func (kp *IdentityKeyPair) Agree(peer *PublicKey) ([]byte, error) {
	shared, err := curve25519.X25519(kp.private[:], peer.key[:])
	if err != nil {
		return nil, &Error{Code: ErrorCodeInvalidKey, Message: err.Error()}
	}
	return shared, nil
}

// Serialize returns private(32) || public(33).
func (kp *IdentityKeyPair) Serialize() []byte {
	return append(kp.PrivateKey(), kp.PublicKey.Serialize()...)
}

// DeserializeIdentityKeyPair reconstructs a key pair from Serialize output.
func DeserializeIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	if len(data) != 32+33 {
		return nil, &Error{Code: ErrorCodeInvalidKey, Message: fmt.Sprintf("identity key pair must be 65 bytes, got %d", len(data))}
	}
	kp, err := NewIdentityKeyPair(data[:32])
	if err != nil {
		return nil, err
	}
	pub, err := DeserializePublicKey(data[32:])
	if err != nil {
		return nil, err
	}
	if !kp.PublicKey.Equal(pub) {
		return nil, &Error{Code: ErrorCodeInvalidKey, Message: "identity key pair public key mismatch"}
	}
	return kp, nil
}
