// Package ratchet implements libsignal.Protocol on go.mau.fi/libsignal: the
// X3DH pre-key handshake, the double ratchet for 1:1 messages and sender
// keys for groups. Sealed sender uses the envelope from package libsignal.
package ratchet

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/wire"
)

var serializer = serialize.NewProtoBufSerializer()

// Protocol is the production backend.
type Protocol struct{}

var _ libsignal.Protocol = (*Protocol)(nil)

// New returns a Protocol.
func New() *Protocol {
	return &Protocol{}
}

// storeError keeps failures reported by the keystore's own stores so they
// surface unchanged instead of as ratchet errors.
type storeError struct {
	err error
}

func (s *storeError) keep(err error) error {
	if err != nil && s.err == nil && libsignal.CodeOf(err) == libsignal.ErrorCodeUnknown {
		s.err = err
	}
	return err
}

// classify turns a ratchet failure into a *libsignal.Error. fallback is the
// code used for failures the ratchet does not distinguish.
func classify(err error, untrusted bool, stored error, fallback libsignal.ErrorCode, op string) error {
	if err == nil {
		return nil
	}
	if stored != nil {
		return stored
	}
	var lerr *libsignal.Error
	switch {
	case errors.As(err, &lerr):
		return lerr
	case untrusted || errors.Is(err, signalerror.ErrUntrustedIdentity):
		return libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "%s: %v", op, err)
	case errors.Is(err, signalerror.ErrOldCounter):
		return libsignal.Errorf(libsignal.ErrorCodeDuplicatedMessage, "%s: %v", op, err)
	}
	return libsignal.Errorf(fallback, "%s: %v", op, err)
}

func (b *bridge) classify(err error, fallback libsignal.ErrorCode, op string) error {
	return classify(err, b.untrusted, b.stored.err, fallback, op)
}

func (s *senderKeyBridge) classify(err error, fallback libsignal.ErrorCode, op string) error {
	return classify(err, false, s.stored.err, fallback, op)
}

// ProcessPreKeyBundle implements libsignal.Protocol.
func (p *Protocol) ProcessPreKeyBundle(ctx context.Context, bundle *libsignal.PreKeyBundle, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore) error {
	b, err := newBridge(ctx, sessions, identities, libsignal.DirectionSending)
	if err != nil {
		return err
	}
	pb, err := preKeyBundle(bundle)
	if err != nil {
		return err
	}
	builder := session.NewBuilderFromSignal(b, signalAddress(address), serializer)
	return b.classify(builder.ProcessBundle(ctx, pb), libsignal.ErrorCodeInvalidKey, "process bundle")
}

// checkTrust checks the identity bound to the record's current state, or to
// its most recent archived state when there is no current one.
func checkTrust(ctx context.Context, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore, direction libsignal.Direction, save bool) error {
	rec, err := sessions.LoadSession(ctx, address)
	if err != nil {
		return err
	}
	st := rec.CurrentState()
	if st == nil && len(rec.PreviousStates()) > 0 {
		st = rec.PreviousStates()[0]
	}
	if st == nil || len(st.RemoteIdentityKey) == 0 {
		return nil
	}
	remote, err := libsignal.DeserializePublicKey(st.RemoteIdentityKey)
	if err != nil {
		return err
	}
	trusted, err := identities.IsTrustedIdentity(ctx, address, remote, direction)
	if err != nil {
		return err
	}
	if !trusted {
		return libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "untrusted identity for %s", address)
	}
	if save {
		_, err = identities.SaveIdentityKey(ctx, address, remote)
	}
	return err
}

// Encrypt implements libsignal.Protocol.
func (p *Protocol) Encrypt(ctx context.Context, plaintext []byte, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore) (*libsignal.CiphertextMessage, error) {
	rec, err := sessions.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}
	if !rec.HasCurrentState() {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no session for %s", address)
	}
	if err := checkTrust(ctx, address, sessions, identities, libsignal.DirectionSending, false); err != nil {
		return nil, err
	}
	b, err := newBridge(ctx, sessions, identities, libsignal.DirectionSending)
	if err != nil {
		return nil, err
	}
	addr := signalAddress(address)
	cipher := session.NewCipher(session.NewBuilderFromSignal(b, addr, serializer), addr)
	msg, err := cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, b.classify(err, libsignal.ErrorCodeInvalidState, "encrypt")
	}
	typ := uint8(libsignal.CiphertextMessageTypeWhisper)
	if msg.Type() == protocol.PREKEY_TYPE {
		typ = libsignal.CiphertextMessageTypePreKey
	}
	return libsignal.NewCiphertextMessage(typ, msg.Serialize()), nil
}

// DecryptPreKeyMessage implements libsignal.Protocol.
func (p *Protocol) DecryptPreKeyMessage(ctx context.Context, message []byte, address libsignal.Address, store libsignal.ProtocolStore) ([]byte, error) {
	msg, err := protocol.NewPreKeySignalMessageFromBytes(message, serializer.PreKeySignalMessage, serializer.SignalMessage)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "pre-key message: %v", err)
	}
	b, err := newBridge(ctx, store, store, libsignal.DirectionReceiving)
	if err != nil {
		return nil, err
	}
	b.preKeys, b.signed = store, store
	addr := signalAddress(address)
	cipher := session.NewCipher(session.NewBuilderFromSignal(b, addr, serializer), addr)
	plaintext, err := cipher.DecryptMessage(ctx, msg)
	if err != nil {
		return nil, b.classify(err, libsignal.ErrorCodeInvalidMessage, "decrypt pre-key message")
	}
	return plaintext, nil
}

// DecryptMessage implements libsignal.Protocol. Archived states are tried
// after the current one.
func (p *Protocol) DecryptMessage(ctx context.Context, message []byte, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore) ([]byte, error) {
	rec, err := sessions.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}
	if rec.IsFresh() {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no session for %s", address)
	}
	msg, err := protocol.NewSignalMessageFromBytes(message, serializer.SignalMessage)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "message: %v", err)
	}
	b, err := newBridge(ctx, sessions, identities, libsignal.DirectionReceiving)
	if err != nil {
		return nil, err
	}
	addr := signalAddress(address)
	cipher := session.NewCipher(session.NewBuilderFromSignal(b, addr, serializer), addr)
	plaintext, err := cipher.Decrypt(ctx, msg)
	if err != nil {
		return nil, b.classify(err, libsignal.ErrorCodeInvalidMessage, "decrypt")
	}
	if err := checkTrust(ctx, address, sessions, identities, libsignal.DirectionReceiving, true); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SealedSenderEncrypt implements libsignal.Protocol.
func (p *Protocol) SealedSenderEncrypt(ctx context.Context, destination libsignal.Address, content *libsignal.UnidentifiedSenderMessageContent, identities libsignal.IdentityKeyStore) ([]byte, error) {
	return libsignal.SealedSenderEncrypt(ctx, destination, content, identities)
}

// SealedSenderDecryptToUSMC implements libsignal.Protocol.
func (p *Protocol) SealedSenderDecryptToUSMC(ctx context.Context, ciphertext []byte, identities libsignal.IdentityKeyStore) (*libsignal.UnidentifiedSenderMessageContent, error) {
	return libsignal.SealedSenderDecryptToUSMC(ctx, ciphertext, identities)
}

// Sender key distribution messages and group messages travel wrapped so the
// receiver learns the distribution id:
//
//	{ 1: distribution id (16 bytes), 2: ratchet message }
func wrapGroup(distributionID libsignal.DistributionID, msg []byte) []byte {
	out := wire.AppendBytes(nil, 1, distributionID[:])
	return wire.AppendBytes(out, 2, msg)
}

func unwrapGroup(data []byte) (libsignal.DistributionID, []byte, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return uuid.Nil, nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "group message: %v", err)
	}
	var id libsignal.DistributionID
	var msg []byte
	for _, f := range fields {
		switch f.Num {
		case 1:
			if id, err = uuid.FromBytes(f.Bytes); err != nil {
				return uuid.Nil, nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "group message: distribution id: %v", err)
			}
		case 2:
			msg = f.Bytes
		}
	}
	if id == uuid.Nil || msg == nil {
		return uuid.Nil, nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "incomplete group message")
	}
	return id, msg, nil
}

// CreateSenderKeyDistributionMessage implements libsignal.Protocol.
func (p *Protocol) CreateSenderKeyDistributionMessage(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, store libsignal.SenderKeyStore) ([]byte, error) {
	sk := &senderKeyBridge{store: store}
	skdm, err := groups.NewGroupSessionBuilder(sk, serializer).Create(ctx, senderKeyName(sender, distributionID))
	if err != nil {
		return nil, sk.classify(err, libsignal.ErrorCodeInvalidState, "create sender key")
	}
	return wrapGroup(distributionID, skdm.Serialize()), nil
}

// ProcessSenderKeyDistributionMessage implements libsignal.Protocol.
func (p *Protocol) ProcessSenderKeyDistributionMessage(ctx context.Context, sender libsignal.Address, message []byte, store libsignal.SenderKeyStore) (libsignal.DistributionID, error) {
	id, body, err := unwrapGroup(message)
	if err != nil {
		return uuid.Nil, err
	}
	skdm, err := protocol.NewSenderKeyDistributionMessageFromBytes(body, serializer.SenderKeyDistributionMessage)
	if err != nil {
		return uuid.Nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "sender key distribution message: %v", err)
	}
	sk := &senderKeyBridge{store: store}
	if err := groups.NewGroupSessionBuilder(sk, serializer).Process(ctx, senderKeyName(sender, id), skdm); err != nil {
		return uuid.Nil, sk.classify(err, libsignal.ErrorCodeInvalidMessage, "process sender key")
	}
	return id, nil
}

// GroupEncrypt implements libsignal.Protocol.
func (p *Protocol) GroupEncrypt(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, plaintext []byte, store libsignal.SenderKeyStore) (*libsignal.CiphertextMessage, error) {
	existing, err := store.LoadSenderKey(ctx, sender, distributionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no sender key for %s in %s", sender, distributionID)
	}
	sk := &senderKeyBridge{store: store}
	name := senderKeyName(sender, distributionID)
	cipher := groups.NewGroupCipher(groups.NewGroupSessionBuilder(sk, serializer), name, sk)
	msg, err := cipher.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, sk.classify(err, libsignal.ErrorCodeInvalidState, "group encrypt")
	}
	return libsignal.NewCiphertextMessage(libsignal.CiphertextMessageTypeSenderKey, wrapGroup(distributionID, msg.SignedSerialize())), nil
}

// GroupDecrypt implements libsignal.Protocol.
func (p *Protocol) GroupDecrypt(ctx context.Context, message []byte, sender libsignal.Address, store libsignal.SenderKeyStore) ([]byte, error) {
	id, body, err := unwrapGroup(message)
	if err != nil {
		return nil, err
	}
	existing, err := store.LoadSenderKey(ctx, sender, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no sender key for %s in %s", sender, id)
	}
	msg, err := protocol.NewSenderKeyMessageFromBytes(body, serializer.SenderKeyMessage)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "sender key message: %v", err)
	}
	sk := &senderKeyBridge{store: store}
	name := senderKeyName(sender, id)
	cipher := groups.NewGroupCipher(groups.NewGroupSessionBuilder(sk, serializer), name, sk)
	plaintext, err := cipher.Decrypt(ctx, msg)
	if err != nil {
		return nil, sk.classify(err, libsignal.ErrorCodeInvalidMessage, "group decrypt")
	}
	return plaintext, nil
}
