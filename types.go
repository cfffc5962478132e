package signal

import (
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/libsignal/ratchet"
	"github.com/gwillem/signal-keystore/internal/protocolstore"
	"github.com/gwillem/signal-keystore/internal/signalservice"
	"github.com/gwillem/signal-keystore/internal/store"
)

// Types of the internal packages that appear in the Keystore API.
type (
	// Address is one device of one participant.
	Address = libsignal.Address
	// ServiceID is an ACI or PNI.
	ServiceID = libsignal.ServiceID
	// PublicKey is a Curve25519 public key, such as a remote identity key.
	PublicKey = libsignal.PublicKey
	// IdentityKeyPair is a local identity or pre-key key pair.
	IdentityKeyPair = libsignal.IdentityKeyPair
	// PreKeyBundle is what a sender fetches to start a session.
	PreKeyBundle = libsignal.PreKeyBundle
	// PreKeyRecord is a one-time pre-key.
	PreKeyRecord = libsignal.PreKeyRecord
	// SignedPreKeyRecord is a signed pre-key.
	SignedPreKeyRecord = libsignal.SignedPreKeyRecord
	// DistributionID names one sender key distribution.
	DistributionID = libsignal.DistributionID
	// Direction says whether a key is checked for sending or receiving.
	Direction = libsignal.Direction
	// CiphertextMessage is one encrypted ratchet or group message.
	CiphertextMessage = libsignal.CiphertextMessage
	// SessionRecord is the stored ratchet state for one address.
	SessionRecord = libsignal.SessionRecord
	// SessionState is one state of a SessionRecord.
	SessionState = libsignal.SessionState
	// SenderKeyRecord is the stored sender key state for one distribution.
	SenderKeyRecord = libsignal.SenderKeyRecord
	// SenderCertificate binds a sealed sender to its identity key.
	SenderCertificate = libsignal.SenderCertificate
	// UnidentifiedSenderMessageContent is the opened outer layer of a sealed
	// sender message.
	UnidentifiedSenderMessageContent = libsignal.UnidentifiedSenderMessageContent
	// CertificateValidator checks sender certificates.
	CertificateValidator = libsignal.CertificateValidator
	// TrustRootValidator validates sender certificates against one trust root.
	TrustRootValidator = libsignal.TrustRootValidator
	// Protocol is a ratchet backend, see WithProtocol.
	Protocol = libsignal.Protocol
	// Error is a failure reported by the protocol backend.
	Error = libsignal.Error
	// ErrorCode classifies an Error.
	ErrorCode = libsignal.ErrorCode

	// SessionStore, IdentityKeyStore, PreKeyStore, SignedPreKeyStore,
	// SenderKeyStore and ProtocolStore are what a Protocol works on.
	SessionStore      = libsignal.SessionStore
	IdentityKeyStore  = libsignal.IdentityKeyStore
	PreKeyStore       = libsignal.PreKeyStore
	SignedPreKeyStore = libsignal.SignedPreKeyStore
	SenderKeyStore    = libsignal.SenderKeyStore
	ProtocolStore     = libsignal.ProtocolStore

	// Envelope is an incoming message as delivered by the service.
	Envelope = signalservice.Envelope
	// Content is a decrypted envelope payload.
	Content = signalservice.Content
	// Metadata describes the sender of a decrypted envelope.
	Metadata = signalservice.Metadata
	// OutgoingMessage is one encrypted message for one device.
	OutgoingMessage = signalservice.OutgoingMessage
	// UnidentifiedAccess enables sealed sender on Encrypt.
	UnidentifiedAccess = signalservice.UnidentifiedAccess
	// Cipher encrypts and decrypts for one local account.
	Cipher = signalservice.Cipher
	// ProtocolError is the error returned by Encrypt and Decrypt.
	ProtocolError = signalservice.ProtocolError
	// ErrorKind classifies a ProtocolError.
	ErrorKind = signalservice.ErrorKind

	// IdentityRecord is the stored identity of a remote name.
	IdentityRecord = store.IdentityRecord
	// VerifiedStatus is the verification state of a remote identity.
	VerifiedStatus = store.VerifiedStatus
	// SaveResult reports what SaveIdentity changed.
	SaveResult = protocolstore.SaveResult
	// LocalAccount is the local ACI and PNI with their identities.
	LocalAccount = protocolstore.LocalAccount
	// Stores are the protocol stores of a loaded keystore.
	Stores = protocolstore.Stores
	// CacheStats are the identity cache counters.
	CacheStats = protocolstore.CacheStats
)

const (
	VerifiedDefault    = store.VerifiedDefault
	VerifiedVerified   = store.VerifiedVerified
	VerifiedUnverified = store.VerifiedUnverified

	SaveResultNew                         = protocolstore.SaveResultNew
	SaveResultUpdate                      = protocolstore.SaveResultUpdate
	SaveResultNonBlockingApprovalRequired = protocolstore.SaveResultNonBlockingApprovalRequired
	SaveResultNoChange                    = protocolstore.SaveResultNoChange

	DirectionSending   = libsignal.DirectionSending
	DirectionReceiving = libsignal.DirectionReceiving
)

// NewAddress returns the address of device deviceID of name.
func NewAddress(name string, deviceID uint32) Address {
	return libsignal.NewAddress(name, deviceID)
}

// ParseServiceID parses the String form of a ServiceID.
func ParseServiceID(s string) (ServiceID, error) {
	return libsignal.ParseServiceID(s)
}

// DeserializePublicKey parses a 33-byte serialized public key.
func DeserializePublicKey(data []byte) (*PublicKey, error) {
	return libsignal.DeserializePublicKey(data)
}

// GenerateIdentityKeyPair returns a fresh key pair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	return libsignal.GenerateIdentityKeyPair()
}

// GenerateSignedPreKey creates a signed pre-key for identityKey.
func GenerateSignedPreKey(identityKey *IdentityKeyPair, id uint32, now time.Time) (*SignedPreKeyRecord, error) {
	return ratchet.GenerateSignedPreKey(identityKey, id, now)
}

// GeneratePreKeys creates count one-time pre-keys starting at id start.
func GeneratePreKeys(start uint32, count int) ([]*PreKeyRecord, error) {
	return ratchet.GeneratePreKeys(start, count)
}

// NewProtocol returns the default ratchet backend.
func NewProtocol() Protocol {
	return ratchet.New()
}

// AsProtocolError returns the *ProtocolError in err's chain, or nil.
func AsProtocolError(err error) *ProtocolError {
	return signalservice.AsProtocolError(err)
}
