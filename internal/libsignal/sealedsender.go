package libsignal

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/gwillem/signal-keystore/internal/wire"
)

// SenderCertificate binds a sender's account and device to its identity key
// for sealed sender. It is signed by the service.
type SenderCertificate struct {
	SenderUUID  string
	SenderE164  string
	DeviceID    uint32
	Expiration  uint64 // unix millis
	IdentityKey *PublicKey

	certificate []byte
	signature   []byte
}

func (sc *SenderCertificate) marshalCertificate() []byte {
	var b []byte
	b = wire.AppendString(b, 1, sc.SenderUUID)
	b = wire.AppendString(b, 2, sc.SenderE164)
	b = wire.AppendVarint(b, 3, uint64(sc.DeviceID))
	b = wire.AppendVarint(b, 4, sc.Expiration)
	if sc.IdentityKey != nil {
		b = wire.AppendBytes(b, 5, sc.IdentityKey.Serialize())
	}
	return b
}

// Sign fills in the certificate signature using the service signing key.
func (sc *SenderCertificate) Sign(signer ed25519.PrivateKey) {
	sc.certificate = sc.marshalCertificate()
	sc.signature = ed25519.Sign(signer, sc.certificate)
}

// Serialize returns { 1: certificate, 2: signature }.
func (sc *SenderCertificate) Serialize() []byte {
	cert := sc.certificate
	if cert == nil {
		cert = sc.marshalCertificate()
	}
	var b []byte
	b = wire.AppendBytes(b, 1, cert)
	b = wire.AppendBytes(b, 2, sc.signature)
	return b
}

// DeserializeSenderCertificate reconstructs a certificate from serialized form.
func DeserializeSenderCertificate(data []byte) (*SenderCertificate, error) {
	outer, err := wire.Parse(data)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidSenderCertificate, "%v", err)
	}
	sc := &SenderCertificate{}
	for _, f := range outer {
		switch f.Num {
		case 1:
			sc.certificate = bytes.Clone(f.Bytes)
		case 2:
			sc.signature = bytes.Clone(f.Bytes)
		}
	}
	fields, err := wire.Parse(sc.certificate)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidSenderCertificate, "%v", err)
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			sc.SenderUUID = string(f.Bytes)
		case 2:
			sc.SenderE164 = string(f.Bytes)
		case 3:
			sc.DeviceID = uint32(f.Varint)
		case 4:
			sc.Expiration = f.Varint
		case 5:
			if sc.IdentityKey, err = DeserializePublicKey(f.Bytes); err != nil {
				return nil, Errorf(ErrorCodeInvalidSenderCertificate, "identity key: %v", err)
			}
		}
	}
	return sc, nil
}

// CertificateValidator decides whether a sender certificate may be trusted
// at the given time.
type CertificateValidator interface {
	Validate(cert *SenderCertificate, now time.Time) error
}

// TrustRootValidator validates certificates against the service signing
// key and their expiration.
type TrustRootValidator struct {
	TrustRoot ed25519.PublicKey
}

// Validate implements CertificateValidator.
func (v TrustRootValidator) Validate(cert *SenderCertificate, now time.Time) error {
	if cert == nil {
		return Errorf(ErrorCodeInvalidSenderCertificate, "missing sender certificate")
	}
	if cert.SenderUUID == "" || cert.IdentityKey == nil {
		return Errorf(ErrorCodeInvalidSenderCertificate, "incomplete sender certificate")
	}
	if len(v.TrustRoot) != ed25519.PublicKeySize || !ed25519.Verify(v.TrustRoot, cert.certificate, cert.signature) {
		return Errorf(ErrorCodeInvalidSenderCertificate, "bad certificate signature")
	}
	if uint64(now.UnixMilli()) > cert.Expiration {
		return Errorf(ErrorCodeInvalidSenderCertificate, "certificate expired at %d", cert.Expiration)
	}
	return nil
}

// Content hints tell the receiver how to handle a decryption failure.
const (
	ContentHintDefault    = 0
	ContentHintResendable = 1
	ContentHintImplicit   = 2
)

// UnidentifiedSenderMessageContent is the decrypted outer layer of a sealed
// sender message: the sender certificate plus the inner encrypted message.
type UnidentifiedSenderMessageContent struct {
	MsgType     uint8
	Contents    []byte
	SenderCert  *SenderCertificate
	ContentHint uint32
	GroupID     []byte
}

// Serialize returns the serialized form of the content.
func (u *UnidentifiedSenderMessageContent) Serialize() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(u.MsgType))
	if u.SenderCert != nil {
		b = wire.AppendBytes(b, 2, u.SenderCert.Serialize())
	}
	b = wire.AppendBytes(b, 3, u.Contents)
	b = wire.AppendVarint(b, 4, uint64(u.ContentHint))
	b = wire.AppendBytes(b, 5, u.GroupID)
	return b
}

// DeserializeUnidentifiedSenderMessageContent reconstructs the content.
func DeserializeUnidentifiedSenderMessageContent(data []byte) (*UnidentifiedSenderMessageContent, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidMessage, "sealed sender content: %v", err)
	}
	u := &UnidentifiedSenderMessageContent{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			u.MsgType = uint8(f.Varint)
		case 2:
			if u.SenderCert, err = DeserializeSenderCertificate(f.Bytes); err != nil {
				return nil, err
			}
		case 3:
			u.Contents = bytes.Clone(f.Bytes)
		case 4:
			u.ContentHint = uint32(f.Varint)
		case 5:
			u.GroupID = bytes.Clone(f.Bytes)
		}
	}
	if u.SenderCert == nil {
		return nil, Errorf(ErrorCodeInvalidSenderCertificate, "sealed sender content without certificate")
	}
	return u, nil
}

// sealedSenderInfo is the HKDF info string of the sealed sender key.
const sealedSenderInfo = "signal-keystore sealed sender v1"

// SealedSenderEncrypt seals content to the identity key of destination. The
// output is ephemeral public key (33 bytes) || nonce (12 bytes) || AES-GCM
// ciphertext. Only the holder of the destination identity key can read the
// certificate inside.
func SealedSenderEncrypt(ctx context.Context, destination Address, content *UnidentifiedSenderMessageContent, identities IdentityKeyStore) ([]byte, error) {
	remote, err := identities.GetIdentityKey(ctx, destination)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, Errorf(ErrorCodeInvalidArgument, "no identity key for %s", destination)
	}
	eph, err := GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := eph.Agree(remote)
	if err != nil {
		return nil, err
	}
	ephPub := eph.PublicKey.Serialize()
	aead, err := sealedSenderAEAD(shared, ephPub)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ephPub)+aead.NonceSize())
	copy(out, ephPub)
	if _, err := rand.Read(out[len(ephPub):]); err != nil {
		return nil, fmt.Errorf("libsignal: sealed sender nonce: %w", err)
	}
	return aead.Seal(out, out[len(ephPub):], content.Serialize(), ephPub), nil
}

// SealedSenderDecryptToUSMC opens a message produced by SealedSenderEncrypt
// with the local identity key.
func SealedSenderDecryptToUSMC(ctx context.Context, ciphertext []byte, identities IdentityKeyStore) (*UnidentifiedSenderMessageContent, error) {
	const nonceSize = 12
	if len(ciphertext) < 33+nonceSize {
		return nil, Errorf(ErrorCodeInvalidMessage, "sealed sender message too short")
	}
	ephPub := ciphertext[:33]
	eph, err := DeserializePublicKey(ephPub)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidMessage, "sealed sender ephemeral key: %v", err)
	}
	local, err := identities.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	shared, err := local.Agree(eph)
	if err != nil {
		return nil, err
	}
	aead, err := sealedSenderAEAD(shared, ephPub)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, ciphertext[33:33+nonceSize], ciphertext[33+nonceSize:], ephPub)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidMessage, "sealed sender decryption failed")
	}
	return DeserializeUnidentifiedSenderMessageContent(pt)
}

func sealedSenderAEAD(shared, ephemeral []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, ephemeral, []byte(sealedSenderInfo)), key); err != nil {
		return nil, fmt.Errorf("libsignal: sealed sender key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("libsignal: sealed sender cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
