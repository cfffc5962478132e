package libsignal

import (
	"bytes"

	"github.com/gwillem/signal-keystore/internal/wire"
)

// PreKeyRecord is a one-time pre-key. Pre-keys are Curve25519 key pairs
// like the identity key.
type PreKeyRecord struct {
	ID      uint32
	KeyPair *IdentityKeyPair
}

// NewPreKeyRecord builds a record from a fresh key pair.
func NewPreKeyRecord(id uint32, kp *IdentityKeyPair) *PreKeyRecord {
	return &PreKeyRecord{ID: id, KeyPair: kp}
}

// Serialize returns the serialized form of the pre-key record.
func (r *PreKeyRecord) Serialize() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(r.ID))
	b = wire.AppendBytes(b, 2, r.KeyPair.PublicKey.Serialize())
	b = wire.AppendBytes(b, 3, r.KeyPair.PrivateKey())
	return b
}

// DeserializePreKeyRecord reconstructs a pre-key record.
func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	id, priv, _, _, err := parseKeyRecord(data)
	if err != nil {
		return nil, err
	}
	kp, err := NewIdentityKeyPair(priv)
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, KeyPair: kp}, nil
}

// SignedPreKeyRecord is a medium-term pre-key signed by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32
	Timestamp uint64
	KeyPair   *IdentityKeyPair
	Signature []byte
}

// Serialize returns the serialized form of the signed pre-key record.
func (r *SignedPreKeyRecord) Serialize() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(r.ID))
	b = wire.AppendBytes(b, 2, r.KeyPair.PublicKey.Serialize())
	b = wire.AppendBytes(b, 3, r.KeyPair.PrivateKey())
	b = wire.AppendBytes(b, 4, r.Signature)
	b = wire.AppendVarint(b, 5, r.Timestamp)
	return b
}

// DeserializeSignedPreKeyRecord reconstructs a signed pre-key record.
func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	id, priv, sig, ts, err := parseKeyRecord(data)
	if err != nil {
		return nil, err
	}
	kp, err := NewIdentityKeyPair(priv)
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{ID: id, Timestamp: ts, KeyPair: kp, Signature: sig}, nil
}

func parseKeyRecord(data []byte) (id uint32, priv, sig []byte, ts uint64, err error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return 0, nil, nil, 0, Errorf(ErrorCodeInvalidState, "pre-key record: %v", err)
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			id = uint32(f.Varint)
		case 3:
			priv = bytes.Clone(f.Bytes)
		case 4:
			sig = bytes.Clone(f.Bytes)
		case 5:
			ts = f.Varint
		}
	}
	if len(priv) != 32 {
		return 0, nil, nil, 0, Errorf(ErrorCodeInvalidState, "pre-key record %d has no private key", id)
	}
	return id, priv, sig, ts, nil
}

// PreKeyBundle is the set of public keys a peer publishes so sessions can be
// started with it while it is offline.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	PreKeyID              uint32 // 0 when no one-time pre-key is included
	PreKey                *PublicKey
	SignedPreKeyID        uint32
	SignedPreKey          *PublicKey
	SignedPreKeySignature []byte
	IdentityKey           *PublicKey
}
