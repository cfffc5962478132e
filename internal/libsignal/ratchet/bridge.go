package ratchet

import (
	"bytes"
	"context"
	"errors"

	"github.com/google/uuid"
	grouprecord "go.mau.fi/libsignal/groups/state/record"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/state/record"
	signalstore "go.mau.fi/libsignal/state/store"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// errUnsupported is returned by store methods the ratchet never needs here.
var errUnsupported = errors.New("ratchet: operation not supported by the store bridge")

var (
	_ signalstore.SignalProtocol = (*bridge)(nil)
	_ signalstore.SenderKey      = (*senderKeyBridge)(nil)
)

// bridge presents the keystore's stores to go.mau.fi/libsignal. One bridge
// serves one operation: it fixes the trust direction and remembers whether
// the operation was refused for an untrusted identity.
type bridge struct {
	sessions   libsignal.SessionStore
	identities libsignal.IdentityKeyStore
	preKeys    libsignal.PreKeyStore
	signed     libsignal.SignedPreKeyStore

	identity  *identity.KeyPair
	localPub  []byte
	regID     uint32
	direction libsignal.Direction

	// archivedBases holds the base keys of a record loaded without a
	// current state, nil when it had one.
	archivedBases [][]byte
	untrusted     bool
	stored        storeError
}

func newBridge(ctx context.Context, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore, direction libsignal.Direction) (*bridge, error) {
	kp, err := identities.GetIdentityKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	regID, err := identities.GetLocalRegistrationID(ctx)
	if err != nil {
		return nil, err
	}
	return &bridge{
		sessions:   sessions,
		identities: identities,
		identity:   identityKeyPair(kp),
		localPub:   kp.PublicKey.Serialize(),
		regID:      regID,
		direction:  direction,
	}, nil
}

func address(a *protocol.SignalAddress) libsignal.Address {
	return libsignal.NewAddress(a.Name(), a.DeviceID())
}

func signalAddress(a libsignal.Address) *protocol.SignalAddress {
	return protocol.NewSignalAddress(a.Name, a.DeviceID)
}

// IdentityKey

func (b *bridge) GetIdentityKeyPair() *identity.KeyPair { return b.identity }
func (b *bridge) GetLocalRegistrationID() uint32        { return b.regID }

func (b *bridge) SaveIdentity(ctx context.Context, addr *protocol.SignalAddress, key *identity.Key) error {
	pub, err := publicKey(key)
	if err != nil {
		return err
	}
	_, err = b.identities.SaveIdentityKey(ctx, address(addr), pub)
	return b.stored.keep(err)
}

func (b *bridge) IsTrustedIdentity(ctx context.Context, addr *protocol.SignalAddress, key *identity.Key) (bool, error) {
	pub, err := publicKey(key)
	if err != nil {
		return false, err
	}
	ok, err := b.identities.IsTrustedIdentity(ctx, address(addr), pub, b.direction)
	if err != nil {
		return false, b.stored.keep(err)
	}
	if !ok {
		b.untrusted = true
	}
	return ok, nil
}

// Session
//
// Each libsignal.SessionState carries one ratchet state in Body, encoded
// with the ratchet's state serializer. An archived record is handed to the
// ratchet with its most recent archived state as current and is written
// back archived unless the ratchet started a new state.

func (b *bridge) LoadSession(ctx context.Context, addr *protocol.SignalAddress) (*record.Session, error) {
	a := address(addr)
	rec, err := b.sessions.LoadSession(ctx, a)
	if err != nil {
		return nil, b.stored.keep(err)
	}
	b.archivedBases = nil
	if rec.IsFresh() {
		return record.NewSession(serializer.Session, serializer.State), nil
	}

	cur, prev := rec.CurrentState(), rec.PreviousStates()
	structure := &record.SessionStructure{}
	if cur == nil {
		cur, prev = prev[0], prev[1:]
		b.archivedBases = [][]byte{}
	}
	if structure.SessionState, err = b.decodeState(a, cur); err != nil {
		return nil, err
	}
	for _, p := range prev {
		st, err := b.decodeState(a, p)
		if err != nil {
			return nil, err
		}
		structure.PreviousStates = append(structure.PreviousStates, st)
	}
	if b.archivedBases != nil {
		b.archivedBases = append(b.archivedBases, structure.SessionState.SenderBaseKey)
		for _, st := range structure.PreviousStates {
			b.archivedBases = append(b.archivedBases, st.SenderBaseKey)
		}
	}
	sess, err := record.NewSessionFromStructure(structure, serializer.Session, serializer.State)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidState, "session for %s: %v", a, err)
	}
	return sess, nil
}

func (b *bridge) decodeState(a libsignal.Address, st *libsignal.SessionState) (*record.StateStructure, error) {
	out, err := serializer.State.Deserialize(st.Body)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidState, "session for %s: %v", a, err)
	}
	return out, nil
}

func (b *bridge) StoreSession(ctx context.Context, addr *protocol.SignalAddress, sess *record.Session) error {
	structure := sess.Structure()
	cur := structure.SessionState

	// Promoting an archived state can leave a copy behind in the list.
	seen := [][]byte{cur.SenderBaseKey}
	var prev []*record.StateStructure
	for _, st := range structure.PreviousStates {
		if containsKey(seen, st.SenderBaseKey) {
			continue
		}
		seen = append(seen, st.SenderBaseKey)
		prev = append(prev, st)
	}

	rec := libsignal.NewSessionRecord()
	for i := len(prev) - 1; i >= 0; i-- {
		rec.SetState(b.sessionState(prev[i]))
	}
	rec.SetState(b.sessionState(cur))
	if cur.SenderChain == nil || containsKey(b.archivedBases, cur.SenderBaseKey) {
		rec.ArchiveCurrentState()
	}
	return b.stored.keep(b.sessions.StoreSession(ctx, address(addr), rec))
}

func containsKey(keys [][]byte, baseKey []byte) bool {
	for _, k := range keys {
		if bytes.Equal(k, baseKey) {
			return true
		}
	}
	return false
}

func (b *bridge) sessionState(st *record.StateStructure) *libsignal.SessionState {
	return &libsignal.SessionState{
		Version:              uint32(st.SessionVersion),
		LocalRegistrationID:  b.regID,
		RemoteRegistrationID: st.RemoteRegistrationID,
		LocalIdentityKey:     b.localPub,
		RemoteIdentityKey:    st.RemoteIdentityPublic,
		SenderChain:          st.SenderChain != nil,
		Body:                 serializer.State.Serialize(st),
	}
}

func (b *bridge) ContainsSession(ctx context.Context, addr *protocol.SignalAddress) (bool, error) {
	rec, err := b.sessions.LoadSession(ctx, address(addr))
	if err != nil {
		return false, err
	}
	return !rec.IsFresh(), nil
}

func (b *bridge) GetSubDeviceSessions(context.Context, string) ([]uint32, error) {
	return nil, errUnsupported
}

func (b *bridge) DeleteSession(context.Context, *protocol.SignalAddress) error {
	return errUnsupported
}

func (b *bridge) DeleteAllSessions(context.Context) error {
	return errUnsupported
}

// PreKey

func (b *bridge) LoadPreKey(ctx context.Context, id uint32) (*record.PreKey, error) {
	if b.preKeys == nil {
		return nil, errUnsupported
	}
	r, err := b.preKeys.LoadPreKey(ctx, id)
	if err != nil {
		return nil, b.stored.keep(err)
	}
	return preKeyRecord(r), nil
}

func (b *bridge) StorePreKey(context.Context, uint32, *record.PreKey) error {
	return errUnsupported
}

func (b *bridge) ContainsPreKey(ctx context.Context, id uint32) (bool, error) {
	if b.preKeys == nil {
		return false, nil
	}
	r, err := b.preKeys.LoadPreKey(ctx, id)
	if libsignal.CodeOf(err) == libsignal.ErrorCodeInvalidKeyID {
		return false, nil
	}
	return r != nil, err
}

func (b *bridge) RemovePreKey(ctx context.Context, id uint32) error {
	if b.preKeys == nil {
		return errUnsupported
	}
	return b.stored.keep(b.preKeys.RemovePreKey(ctx, id))
}

// SignedPreKey

func (b *bridge) LoadSignedPreKey(ctx context.Context, id uint32) (*record.SignedPreKey, error) {
	if b.signed == nil {
		return nil, errUnsupported
	}
	r, err := b.signed.LoadSignedPreKey(ctx, id)
	if err != nil {
		return nil, b.stored.keep(err)
	}
	return signedPreKeyRecord(r)
}

func (b *bridge) LoadSignedPreKeys(context.Context) ([]*record.SignedPreKey, error) {
	return nil, errUnsupported
}

func (b *bridge) StoreSignedPreKey(context.Context, uint32, *record.SignedPreKey) error {
	return errUnsupported
}

func (b *bridge) ContainsSignedPreKey(ctx context.Context, id uint32) (bool, error) {
	if b.signed == nil {
		return false, nil
	}
	r, err := b.signed.LoadSignedPreKey(ctx, id)
	if libsignal.CodeOf(err) == libsignal.ErrorCodeInvalidKeyID {
		return false, nil
	}
	return r != nil, err
}

func (b *bridge) RemoveSignedPreKey(context.Context, uint32) error {
	return errUnsupported
}

// SenderKey

// The 1:1 bridge carries no group state; groups go through senderKeyBridge.

func (b *bridge) LoadSenderKey(context.Context, *protocol.SenderKeyName) (*grouprecord.SenderKey, error) {
	return nil, errUnsupported
}

func (b *bridge) StoreSenderKey(context.Context, *protocol.SenderKeyName, *grouprecord.SenderKey) error {
	return errUnsupported
}

// senderKeyBridge keys group state by the distribution id carried in the
// sender key name's group id.
type senderKeyBridge struct {
	store  libsignal.SenderKeyStore
	stored storeError
}

func senderKeyName(sender libsignal.Address, distributionID libsignal.DistributionID) *protocol.SenderKeyName {
	return protocol.NewSenderKeyName(distributionID.String(), signalAddress(sender))
}

func (s *senderKeyBridge) key(name *protocol.SenderKeyName) (libsignal.Address, libsignal.DistributionID, error) {
	id, err := uuid.Parse(name.GroupID())
	if err != nil {
		return libsignal.Address{}, uuid.Nil, libsignal.Errorf(libsignal.ErrorCodeInvalidArgument, "distribution id %q: %v", name.GroupID(), err)
	}
	return address(name.Sender()), id, nil
}

func (s *senderKeyBridge) LoadSenderKey(ctx context.Context, name *protocol.SenderKeyName) (*grouprecord.SenderKey, error) {
	sender, id, err := s.key(name)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.LoadSenderKey(ctx, sender, id)
	if err != nil {
		return nil, s.stored.keep(err)
	}
	if rec == nil {
		return grouprecord.NewSenderKey(serializer.SenderKeyRecord, serializer.SenderKeyState), nil
	}
	sk, err := grouprecord.NewSenderKeyFromBytes(rec.Serialize(), serializer.SenderKeyRecord, serializer.SenderKeyState)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidState, "sender key for %s: %v", sender, err)
	}
	return sk, nil
}

func (s *senderKeyBridge) StoreSenderKey(ctx context.Context, name *protocol.SenderKeyName, rec *grouprecord.SenderKey) error {
	sender, id, err := s.key(name)
	if err != nil {
		return err
	}
	return s.stored.keep(s.store.StoreSenderKey(ctx, sender, id, libsignal.NewSenderKeyRecord(rec.Serialize())))
}
