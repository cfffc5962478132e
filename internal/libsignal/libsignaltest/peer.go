package libsignaltest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/libsignal/ratchet"
)

// Peer is a remote participant backed by a libsignal.MemoryStore.
type Peer struct {
	Address        libsignal.Address
	Identity       *libsignal.IdentityKeyPair
	RegistrationID uint32
	Store          *libsignal.MemoryStore

	nextKeyID atomic.Uint32
}

// NewPeer creates a peer with a fresh identity.
func NewPeer(name string, deviceID, registrationID uint32) (*Peer, error) {
	id, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	return &Peer{
		Address:        libsignal.NewAddress(name, deviceID),
		Identity:       id,
		RegistrationID: registrationID,
		Store:          libsignal.NewMemoryStore(id, registrationID),
	}, nil
}

// Bundle publishes a new signed pre-key and one-time pre-key and returns
// the bundle a sender would fetch from the service. The bundle is valid
// for both Protocol and the ratchet backend.
func (p *Peer) Bundle(ctx context.Context) (*libsignal.PreKeyBundle, error) {
	spkID := p.nextKeyID.Add(1)
	opkID := p.nextKeyID.Add(1)
	spk, err := ratchet.GenerateSignedPreKey(p.Identity, spkID, time.Now())
	if err != nil {
		return nil, err
	}
	opks, err := ratchet.GeneratePreKeys(opkID, 1)
	if err != nil {
		return nil, err
	}
	if err := p.Store.StoreSignedPreKey(ctx, spkID, spk); err != nil {
		return nil, err
	}
	if err := p.Store.StorePreKey(ctx, opkID, opks[0]); err != nil {
		return nil, err
	}
	return &libsignal.PreKeyBundle{
		RegistrationID:        p.RegistrationID,
		DeviceID:              p.Address.DeviceID,
		PreKeyID:              opkID,
		PreKey:                opks[0].KeyPair.PublicKey,
		SignedPreKeyID:        spkID,
		SignedPreKey:          spk.KeyPair.PublicKey,
		SignedPreKeySignature: spk.Signature,
		IdentityKey:           p.Identity.PublicKey,
	}, nil
}
