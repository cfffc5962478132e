package ratchet

import (
	"time"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/state/record"
	"go.mau.fi/libsignal/util/optional"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

func djbPublic(k *libsignal.PublicKey) *ecc.DjbECPublicKey {
	var b [32]byte
	copy(b[:], k.Bytes())
	return ecc.NewDjbECPublicKey(b)
}

func djbPrivate(kp *libsignal.IdentityKeyPair) *ecc.DjbECPrivateKey {
	var b [32]byte
	copy(b[:], kp.PrivateKey())
	return ecc.NewDjbECPrivateKey(b)
}

func eccKeyPair(kp *libsignal.IdentityKeyPair) *ecc.ECKeyPair {
	return ecc.NewECKeyPair(djbPublic(kp.PublicKey), djbPrivate(kp))
}

func identityKeyPair(kp *libsignal.IdentityKeyPair) *identity.KeyPair {
	return identity.NewKeyPair(identity.NewKey(djbPublic(kp.PublicKey)), djbPrivate(kp))
}

func identityKey(k *libsignal.PublicKey) *identity.Key {
	return identity.NewKey(djbPublic(k))
}

func publicKey(k *identity.Key) (*libsignal.PublicKey, error) {
	if k == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKey, "missing identity key")
	}
	return libsignal.DeserializePublicKey(k.Serialize())
}

func preKeyRecord(r *libsignal.PreKeyRecord) *record.PreKey {
	return record.NewPreKey(r.ID, eccKeyPair(r.KeyPair), nil)
}

func signedPreKeyRecord(r *libsignal.SignedPreKeyRecord) (*record.SignedPreKey, error) {
	var sig [64]byte
	if len(r.Signature) != len(sig) {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKey, "signed pre-key %d: signature is %d bytes", r.ID, len(r.Signature))
	}
	copy(sig[:], r.Signature)
	return record.NewSignedPreKey(r.ID, int64(r.Timestamp), eccKeyPair(r.KeyPair), sig, nil), nil
}

func preKeyBundle(b *libsignal.PreKeyBundle) (*prekey.Bundle, error) {
	if b == nil || b.IdentityKey == nil || b.SignedPreKey == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidArgument, "incomplete pre-key bundle")
	}
	var sig [64]byte
	if len(b.SignedPreKeySignature) != len(sig) {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKey, "signed pre-key signature is %d bytes", len(b.SignedPreKeySignature))
	}
	copy(sig[:], b.SignedPreKeySignature)

	preKeyID := optional.NewEmptyUint32()
	var preKey ecc.ECPublicKeyable
	if b.PreKey != nil {
		preKeyID = optional.NewOptionalUint32(b.PreKeyID)
		preKey = djbPublic(b.PreKey)
	}
	return prekey.NewBundle(
		b.RegistrationID, b.DeviceID,
		preKeyID, b.SignedPreKeyID,
		preKey, djbPublic(b.SignedPreKey), sig,
		identityKey(b.IdentityKey),
	), nil
}

// SignPreKey signs the serialized public key of a signed pre-key with the
// identity key (XEdDSA).
func SignPreKey(identityKey *libsignal.IdentityKeyPair, pub *libsignal.PublicKey) []byte {
	sig := ecc.CalculateSignature(djbPrivate(identityKey), pub.Serialize())
	return sig[:]
}

// GenerateSignedPreKey creates a signed pre-key for identityKey.
func GenerateSignedPreKey(identityKey *libsignal.IdentityKeyPair, id uint32, now time.Time) (*libsignal.SignedPreKeyRecord, error) {
	kp, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	return &libsignal.SignedPreKeyRecord{
		ID:        id,
		Timestamp: uint64(now.UnixMilli()),
		KeyPair:   kp,
		Signature: SignPreKey(identityKey, kp.PublicKey),
	}, nil
}

// GeneratePreKeys creates count one-time pre-keys with consecutive ids
// starting at start.
func GeneratePreKeys(start uint32, count int) ([]*libsignal.PreKeyRecord, error) {
	out := make([]*libsignal.PreKeyRecord, 0, count)
	for i := range count {
		kp, err := libsignal.GenerateIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		out = append(out, libsignal.NewPreKeyRecord(start+uint32(i), kp))
	}
	return out, nil
}
