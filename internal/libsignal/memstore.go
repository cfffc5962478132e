package libsignal

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory ProtocolStore with plain TOFU trust. It
// backs the remote side of protocol tests.
type MemoryStore struct {
	mu             sync.Mutex
	identity       *IdentityKeyPair
	registrationID uint32
	identities     map[string]*PublicKey
	sessions       map[Address][]byte
	preKeys        map[uint32][]byte
	signedPreKeys  map[uint32][]byte
	senderKeys     map[string][]byte
}

// NewMemoryStore creates a store for the given local identity.
func NewMemoryStore(identity *IdentityKeyPair, registrationID uint32) *MemoryStore {
	return &MemoryStore{
		identity:       identity,
		registrationID: registrationID,
		identities:     map[string]*PublicKey{},
		sessions:       map[Address][]byte{},
		preKeys:        map[uint32][]byte{},
		signedPreKeys:  map[uint32][]byte{},
		senderKeys:     map[string][]byte{},
	}
}

var _ ProtocolStore = (*MemoryStore)(nil)

func (s *MemoryStore) LoadSession(_ context.Context, address Address) (*SessionRecord, error) {
	s.mu.Lock()
	data := s.sessions[address]
	s.mu.Unlock()
	if data == nil {
		return NewSessionRecord(), nil
	}
	// Return a copy so the caller owns it
	return DeserializeSessionRecord(data)
}

func (s *MemoryStore) StoreSession(_ context.Context, address Address, record *SessionRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[address] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetIdentityKeyPair(context.Context) (*IdentityKeyPair, error) {
	return s.identity, nil
}

func (s *MemoryStore) GetLocalRegistrationID(context.Context) (uint32, error) {
	return s.registrationID, nil
}

func (s *MemoryStore) SaveIdentityKey(_ context.Context, address Address, key *PublicKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.identities[address.Name]
	s.identities[address.Name] = key
	return old != nil && !old.Equal(key), nil
}

func (s *MemoryStore) GetIdentityKey(_ context.Context, address Address) (*PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identities[address.Name], nil
}

func (s *MemoryStore) IsTrustedIdentity(_ context.Context, address Address, key *PublicKey, _ Direction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.identities[address.Name]
	if existing == nil {
		// First time seeing this identity: trust on first use
		return true, nil
	}
	return existing.Equal(key), nil
}

func (s *MemoryStore) LoadPreKey(_ context.Context, id uint32) (*PreKeyRecord, error) {
	s.mu.Lock()
	data := s.preKeys[id]
	s.mu.Unlock()
	if data == nil {
		return nil, Errorf(ErrorCodeInvalidKeyID, "pre-key %d not found", id)
	}
	return DeserializePreKeyRecord(data)
}

func (s *MemoryStore) StorePreKey(_ context.Context, id uint32, record *PreKeyRecord) error {
	s.mu.Lock()
	s.preKeys[id] = record.Serialize()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) RemovePreKey(_ context.Context, id uint32) error {
	s.mu.Lock()
	delete(s.preKeys, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadSignedPreKey(_ context.Context, id uint32) (*SignedPreKeyRecord, error) {
	s.mu.Lock()
	data := s.signedPreKeys[id]
	s.mu.Unlock()
	if data == nil {
		return nil, Errorf(ErrorCodeInvalidKeyID, "signed pre-key %d not found", id)
	}
	return DeserializeSignedPreKeyRecord(data)
}

func (s *MemoryStore) StoreSignedPreKey(_ context.Context, id uint32, record *SignedPreKeyRecord) error {
	s.mu.Lock()
	s.signedPreKeys[id] = record.Serialize()
	s.mu.Unlock()
	return nil
}

// senderKeyKey returns a map key for a sender key (address + distribution ID).
func senderKeyKey(addr Address, distributionID DistributionID) string {
	return fmt.Sprintf("%s:%s", addr, distributionID)
}

func (s *MemoryStore) LoadSenderKey(_ context.Context, sender Address, distributionID DistributionID) (*SenderKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.senderKeys[senderKeyKey(sender, distributionID)]
	if data == nil {
		return nil, nil
	}
	return NewSenderKeyRecord(data), nil
}

func (s *MemoryStore) StoreSenderKey(_ context.Context, sender Address, distributionID DistributionID, record *SenderKeyRecord) error {
	s.mu.Lock()
	s.senderKeys[senderKeyKey(sender, distributionID)] = record.Serialize()
	s.mu.Unlock()
	return nil
}
