package libsignal

import (
	"context"

	"github.com/google/uuid"
)

// Direction is the direction a remote identity is being checked for.
type Direction uint

const (
	DirectionSending Direction = iota
	DirectionReceiving
)

func (d Direction) String() string {
	if d == DirectionReceiving {
		return "receiving"
	}
	return "sending"
}

// DistributionID identifies one sender-key epoch of a group.
type DistributionID = uuid.UUID

// SessionStore stores session records keyed by protocol address.
// LoadSession returns an empty record, never nil, when nothing is stored.
type SessionStore interface {
	LoadSession(ctx context.Context, address Address) (*SessionRecord, error)
	StoreSession(ctx context.Context, address Address, record *SessionRecord) error
}

// IdentityKeyStore manages the local identity key and remote identity trust.
type IdentityKeyStore interface {
	GetIdentityKeyPair(ctx context.Context) (*IdentityKeyPair, error)
	GetLocalRegistrationID(ctx context.Context) (uint32, error)
	// SaveIdentityKey reports whether an existing, different key was replaced.
	SaveIdentityKey(ctx context.Context, address Address, key *PublicKey) (bool, error)
	GetIdentityKey(ctx context.Context, address Address) (*PublicKey, error)
	IsTrustedIdentity(ctx context.Context, address Address, key *PublicKey, direction Direction) (bool, error)
}

// PreKeyStore stores one-time pre-key records.
type PreKeyStore interface {
	LoadPreKey(ctx context.Context, id uint32) (*PreKeyRecord, error)
	StorePreKey(ctx context.Context, id uint32, record *PreKeyRecord) error
	RemovePreKey(ctx context.Context, id uint32) error
}

// SignedPreKeyStore stores signed pre-key records.
type SignedPreKeyStore interface {
	LoadSignedPreKey(ctx context.Context, id uint32) (*SignedPreKeyRecord, error)
	StoreSignedPreKey(ctx context.Context, id uint32, record *SignedPreKeyRecord) error
}

// SenderKeyStore stores group sender-key records. LoadSenderKey returns
// nil, nil when no record exists.
type SenderKeyStore interface {
	LoadSenderKey(ctx context.Context, sender Address, distributionID DistributionID) (*SenderKeyRecord, error)
	StoreSenderKey(ctx context.Context, sender Address, distributionID DistributionID, record *SenderKeyRecord) error
}

// ProtocolStore is everything a protocol backend may touch while
// processing an incoming pre-key message.
type ProtocolStore interface {
	SessionStore
	IdentityKeyStore
	PreKeyStore
	SignedPreKeyStore
	SenderKeyStore
}
