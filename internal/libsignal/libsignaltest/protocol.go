// Package libsignaltest provides a small, deterministic implementation of
// libsignal.Protocol. It keeps the shape of the real ratchet (pre-key
// handshake, per-message keys, archived states, sealed sender, sender keys)
// but none of its forward secrecy. Use it in tests only.
package libsignaltest

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/wire"
)

const sessionVersion = 3

// maxSeen bounds the replay window kept per state.
const maxSeen = 2000

// Protocol is the toy backend. The zero value is ready to use.
type Protocol struct{}

var _ libsignal.Protocol = Protocol{}

// sessionBody is the backend-owned part of a libsignal.SessionState.
//
//	1: root key, 2: send counter, 3: pending pre-key, 4: repeated seen counters,
//	5: base key, 6: pre-key id, 7: signed pre-key id
type sessionBody struct {
	root           []byte
	sendCounter    uint64
	pending        bool
	seen           []uint64
	baseKey        []byte
	preKeyID       uint32
	signedPreKeyID uint32
}

func (b *sessionBody) marshal() []byte {
	var out []byte
	out = wire.AppendBytes(out, 1, b.root)
	out = wire.AppendVarint(out, 2, b.sendCounter)
	out = wire.AppendBool(out, 3, b.pending)
	for _, c := range b.seen {
		out = wire.AppendRepeatedVarint(out, 4, c)
	}
	out = wire.AppendBytes(out, 5, b.baseKey)
	out = wire.AppendVarint(out, 6, uint64(b.preKeyID))
	out = wire.AppendVarint(out, 7, uint64(b.signedPreKeyID))
	return out
}

func parseSessionBody(data []byte) (*sessionBody, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidState, "session body: %v", err)
	}
	b := &sessionBody{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			b.root = bytes.Clone(f.Bytes)
		case 2:
			b.sendCounter = f.Varint
		case 3:
			b.pending = f.Varint != 0
		case 4:
			b.seen = append(b.seen, f.Varint)
		case 5:
			b.baseKey = bytes.Clone(f.Bytes)
		case 6:
			b.preKeyID = uint32(f.Varint)
		case 7:
			b.signedPreKeyID = uint32(f.Varint)
		}
	}
	if len(b.root) != 32 {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidState, "session body without root key")
	}
	return b, nil
}

func (b *sessionBody) markSeen(counter uint64) error {
	for _, c := range b.seen {
		if c == counter {
			return libsignal.Errorf(libsignal.ErrorCodeDuplicatedMessage, "message with counter %d already received", counter)
		}
	}
	b.seen = append(b.seen, counter)
	if len(b.seen) > maxSeen {
		b.seen = b.seen[len(b.seen)-maxSeen:]
	}
	return nil
}

func deriveRoot(secret []byte) []byte {
	root := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("libsignaltest root")), root); err != nil {
		panic(err)
	}
	return root
}

// messageKey derives the key for one message from the sender's identity so
// the two directions never share a key.
func messageKey(root []byte, sender []byte, counter uint64) []byte {
	mac := hmac.New(sha256.New, root)
	mac.Write(sender)
	mac.Write(binary.BigEndian.AppendUint64(nil, counter))
	return mac.Sum(nil)
}

// seal and open use AES-256-GCM with a zero nonce. Every key is used once.
func seal(key, plaintext []byte) []byte {
	aead := newGCM(key)
	return aead.Seal(nil, make([]byte, aead.NonceSize()), plaintext, nil)
}

func open(key, ciphertext []byte) ([]byte, bool) {
	aead := newGCM(key)
	pt, err := aead.Open(nil, make([]byte, aead.NonceSize()), ciphertext, nil)
	return pt, err == nil
}

func newGCM(key []byte) cipher.AEAD {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

// ProcessPreKeyBundle implements libsignal.Protocol.
func (Protocol) ProcessPreKeyBundle(ctx context.Context, bundle *libsignal.PreKeyBundle, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore) error {
	if bundle.IdentityKey == nil || bundle.SignedPreKey == nil {
		return libsignal.Errorf(libsignal.ErrorCodeInvalidKey, "incomplete pre-key bundle")
	}
	trusted, err := identities.IsTrustedIdentity(ctx, address, bundle.IdentityKey, libsignal.DirectionSending)
	if err != nil {
		return err
	}
	if !trusted {
		return libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "untrusted identity for %s", address)
	}
	local, err := identities.GetIdentityKeyPair(ctx)
	if err != nil {
		return err
	}
	regID, err := identities.GetLocalRegistrationID(ctx)
	if err != nil {
		return err
	}
	base, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		return err
	}

	var secret []byte
	for _, pair := range []struct {
		priv *libsignal.IdentityKeyPair
		pub  *libsignal.PublicKey
	}{{base, bundle.SignedPreKey}, {local, bundle.SignedPreKey}, {base, bundle.PreKey}} {
		if pair.pub == nil {
			continue
		}
		s, err := pair.priv.Agree(pair.pub)
		if err != nil {
			return err
		}
		secret = append(secret, s...)
	}

	body := &sessionBody{
		root:           deriveRoot(secret),
		pending:        true,
		baseKey:        base.PublicKey.Serialize(),
		preKeyID:       bundle.PreKeyID,
		signedPreKeyID: bundle.SignedPreKeyID,
	}
	rec, err := sessions.LoadSession(ctx, address)
	if err != nil {
		return err
	}
	rec.SetState(&libsignal.SessionState{
		Version:              sessionVersion,
		LocalRegistrationID:  regID,
		RemoteRegistrationID: bundle.RegistrationID,
		LocalIdentityKey:     local.PublicKey.Serialize(),
		RemoteIdentityKey:    bundle.IdentityKey.Serialize(),
		SenderChain:          true,
		Body:                 body.marshal(),
	})
	if _, err := identities.SaveIdentityKey(ctx, address, bundle.IdentityKey); err != nil {
		return err
	}
	return sessions.StoreSession(ctx, address, rec)
}

// Encrypt implements libsignal.Protocol.
func (Protocol) Encrypt(ctx context.Context, plaintext []byte, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore) (*libsignal.CiphertextMessage, error) {
	rec, err := sessions.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}
	if !rec.HasCurrentState() {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no session for %s", address)
	}
	state := rec.CurrentState()
	remote, err := libsignal.DeserializePublicKey(state.RemoteIdentityKey)
	if err != nil {
		return nil, err
	}
	trusted, err := identities.IsTrustedIdentity(ctx, address, remote, libsignal.DirectionSending)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "untrusted identity for %s", address)
	}
	body, err := parseSessionBody(state.Body)
	if err != nil {
		return nil, err
	}

	counter := body.sendCounter
	body.sendCounter++
	var msg []byte
	msg = wire.AppendVarint(msg, 1, counter+1)
	msg = wire.AppendBytes(msg, 2, seal(messageKey(body.root, state.LocalIdentityKey, counter), plaintext))

	typ := uint8(libsignal.CiphertextMessageTypeWhisper)
	if body.pending {
		var pk []byte
		pk = wire.AppendVarint(pk, 1, uint64(state.LocalRegistrationID))
		pk = wire.AppendVarint(pk, 2, uint64(body.preKeyID))
		pk = wire.AppendVarint(pk, 3, uint64(body.signedPreKeyID))
		pk = wire.AppendBytes(pk, 4, body.baseKey)
		pk = wire.AppendBytes(pk, 5, state.LocalIdentityKey)
		pk = wire.AppendMessage(pk, 6, msg)
		msg, typ = pk, libsignal.CiphertextMessageTypePreKey
	}

	state.Body = body.marshal()
	if err := sessions.StoreSession(ctx, address, rec); err != nil {
		return nil, err
	}
	return libsignal.NewCiphertextMessage(typ, msg), nil
}

type preKeyMessage struct {
	registrationID uint32
	preKeyID       uint32
	signedPreKeyID uint32
	baseKey        *libsignal.PublicKey
	identityKey    *libsignal.PublicKey
	message        []byte
}

func parsePreKeyMessage(data []byte) (*preKeyMessage, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "pre-key message: %v", err)
	}
	m := &preKeyMessage{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			m.registrationID = uint32(f.Varint)
		case 2:
			m.preKeyID = uint32(f.Varint)
		case 3:
			m.signedPreKeyID = uint32(f.Varint)
		case 4:
			if m.baseKey, err = libsignal.DeserializePublicKey(f.Bytes); err != nil {
				return nil, err
			}
		case 5:
			if m.identityKey, err = libsignal.DeserializePublicKey(f.Bytes); err != nil {
				return nil, err
			}
		case 6:
			m.message = f.Bytes
		}
	}
	if m.baseKey == nil || m.identityKey == nil || m.message == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "incomplete pre-key message")
	}
	return m, nil
}

// DecryptPreKeyMessage implements libsignal.Protocol.
func (p Protocol) DecryptPreKeyMessage(ctx context.Context, message []byte, address libsignal.Address, store libsignal.ProtocolStore) ([]byte, error) {
	m, err := parsePreKeyMessage(message)
	if err != nil {
		return nil, err
	}
	trusted, err := store.IsTrustedIdentity(ctx, address, m.identityKey, libsignal.DirectionReceiving)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "untrusted identity for %s", address)
	}
	rec, err := store.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}

	// A repeated pre-key message reuses the state it created.
	baseKey := m.baseKey.Serialize()
	found := false
	states := append([]*libsignal.SessionState{rec.CurrentState()}, rec.PreviousStates()...)
	for i, st := range states {
		if st == nil {
			continue
		}
		b, err := parseSessionBody(st.Body)
		if err != nil {
			continue
		}
		if bytes.Equal(b.baseKey, baseKey) {
			if i > 0 {
				rec.PromoteState(i - 1)
			}
			found = true
			break
		}
	}

	if !found {
		local, err := store.GetIdentityKeyPair(ctx)
		if err != nil {
			return nil, err
		}
		regID, err := store.GetLocalRegistrationID(ctx)
		if err != nil {
			return nil, err
		}
		spk, err := store.LoadSignedPreKey(ctx, m.signedPreKeyID)
		if err != nil {
			return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKeyID, "signed pre-key %d: %v", m.signedPreKeyID, err)
		}
		var secret []byte
		for _, peer := range []*libsignal.PublicKey{m.baseKey, m.identityKey} {
			s, err := spk.KeyPair.Agree(peer)
			if err != nil {
				return nil, err
			}
			secret = append(secret, s...)
		}
		if m.preKeyID != 0 {
			pk, err := store.LoadPreKey(ctx, m.preKeyID)
			if err != nil {
				return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKeyID, "pre-key %d: %v", m.preKeyID, err)
			}
			s, err := pk.KeyPair.Agree(m.baseKey)
			if err != nil {
				return nil, err
			}
			secret = append(secret, s...)
		}
		body := &sessionBody{root: deriveRoot(secret), baseKey: baseKey}
		rec.SetState(&libsignal.SessionState{
			Version:              sessionVersion,
			LocalRegistrationID:  regID,
			RemoteRegistrationID: m.registrationID,
			LocalIdentityKey:     local.PublicKey.Serialize(),
			RemoteIdentityKey:    m.identityKey.Serialize(),
			SenderChain:          true,
			Body:                 body.marshal(),
		})
	}

	plaintext, err := decryptWithState(rec.CurrentState(), m.message)
	if err != nil {
		return nil, err
	}
	if _, err := store.SaveIdentityKey(ctx, address, m.identityKey); err != nil {
		return nil, err
	}
	if err := store.StoreSession(ctx, address, rec); err != nil {
		return nil, err
	}
	if !found && m.preKeyID != 0 {
		if err := store.RemovePreKey(ctx, m.preKeyID); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// decryptWithState decrypts an ordinary message with one state and records
// its counter. A reply acknowledges the session, so the pending pre-key is
// cleared.
func decryptWithState(state *libsignal.SessionState, message []byte) ([]byte, error) {
	fields, err := wire.Parse(message)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "message: %v", err)
	}
	var counter uint64
	var ct []byte
	for _, f := range fields {
		switch f.Num {
		case 1:
			counter = f.Varint
		case 2:
			ct = f.Bytes
		}
	}
	if counter == 0 || ct == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "incomplete message")
	}
	counter--
	body, err := parseSessionBody(state.Body)
	if err != nil {
		return nil, err
	}
	plaintext, ok := open(messageKey(body.root, state.RemoteIdentityKey, counter), ct)
	if !ok {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "decryption failed")
	}
	if err := body.markSeen(counter); err != nil {
		return nil, err
	}
	body.pending = false
	state.Body = body.marshal()
	return plaintext, nil
}

// DecryptMessage implements libsignal.Protocol. Archived states are tried
// after the current one; a match promotes that state back to current.
func (Protocol) DecryptMessage(ctx context.Context, message []byte, address libsignal.Address, sessions libsignal.SessionStore, identities libsignal.IdentityKeyStore) ([]byte, error) {
	rec, err := sessions.LoadSession(ctx, address)
	if err != nil {
		return nil, err
	}
	if rec.IsFresh() {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no session for %s", address)
	}

	var plaintext []byte
	var lastErr error
	done := false
	if cur := rec.CurrentState(); cur != nil {
		plaintext, lastErr = decryptWithState(cur, message)
		done = lastErr == nil
	}
	if !done {
		for i, st := range rec.PreviousStates() {
			pt, err := decryptWithState(st, message)
			if err != nil {
				if lastErr == nil || libsignal.CodeOf(err) == libsignal.ErrorCodeDuplicatedMessage {
					lastErr = err
				}
				continue
			}
			plaintext, done = pt, true
			rec.PromoteState(i)
			break
		}
	}
	if !done {
		if lastErr == nil {
			lastErr = libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "decryption failed")
		}
		return nil, lastErr
	}

	remote, err := libsignal.DeserializePublicKey(rec.CurrentState().RemoteIdentityKey)
	if err != nil {
		return nil, err
	}
	trusted, err := identities.IsTrustedIdentity(ctx, address, remote, libsignal.DirectionReceiving)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "untrusted identity for %s", address)
	}
	if _, err := identities.SaveIdentityKey(ctx, address, remote); err != nil {
		return nil, err
	}
	if err := sessions.StoreSession(ctx, address, rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// SealedSenderEncrypt implements libsignal.Protocol.
func (Protocol) SealedSenderEncrypt(ctx context.Context, destination libsignal.Address, content *libsignal.UnidentifiedSenderMessageContent, identities libsignal.IdentityKeyStore) ([]byte, error) {
	return libsignal.SealedSenderEncrypt(ctx, destination, content, identities)
}

// SealedSenderDecryptToUSMC implements libsignal.Protocol.
func (Protocol) SealedSenderDecryptToUSMC(ctx context.Context, ciphertext []byte, identities libsignal.IdentityKeyStore) (*libsignal.UnidentifiedSenderMessageContent, error) {
	return libsignal.SealedSenderDecryptToUSMC(ctx, ciphertext, identities)
}

// senderKeyState is the backend-owned content of a SenderKeyRecord.
//
//	1: distribution id, 2: chain key, 3: next iteration, 4: repeated seen iterations
type senderKeyState struct {
	distributionID uuid.UUID
	chainKey       []byte
	iteration      uint64
	seen           []uint64
}

func (s *senderKeyState) marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, s.distributionID[:])
	b = wire.AppendBytes(b, 2, s.chainKey)
	b = wire.AppendVarint(b, 3, s.iteration)
	for _, it := range s.seen {
		b = wire.AppendRepeatedVarint(b, 4, it)
	}
	return b
}

func parseSenderKeyState(data []byte) (*senderKeyState, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidState, "sender key: %v", err)
	}
	s := &senderKeyState{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			if s.distributionID, err = uuid.FromBytes(f.Bytes); err != nil {
				return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "distribution id: %v", err)
			}
		case 2:
			s.chainKey = bytes.Clone(f.Bytes)
		case 3:
			s.iteration = f.Varint
		case 4:
			s.seen = append(s.seen, f.Varint)
		}
	}
	if len(s.chainKey) != 32 {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "sender key without chain key")
	}
	return s, nil
}

func (s *senderKeyState) messageKey(iteration uint64) []byte {
	return messageKey(s.chainKey, s.distributionID[:], iteration)
}

// CreateSenderKeyDistributionMessage implements libsignal.Protocol.
func (Protocol) CreateSenderKeyDistributionMessage(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, store libsignal.SenderKeyStore) ([]byte, error) {
	rec, err := store.LoadSenderKey(ctx, sender, distributionID)
	if err != nil {
		return nil, err
	}
	var state *senderKeyState
	if rec != nil {
		if state, err = parseSenderKeyState(rec.Serialize()); err != nil {
			return nil, err
		}
	} else {
		state = &senderKeyState{distributionID: distributionID, chainKey: make([]byte, 32)}
		if _, err := rand.Read(state.chainKey); err != nil {
			return nil, err
		}
		if err := store.StoreSenderKey(ctx, sender, distributionID, libsignal.NewSenderKeyRecord(state.marshal())); err != nil {
			return nil, err
		}
	}
	// The distribution message carries the state without replay history.
	dist := &senderKeyState{distributionID: state.distributionID, chainKey: state.chainKey, iteration: state.iteration}
	return dist.marshal(), nil
}

// ProcessSenderKeyDistributionMessage implements libsignal.Protocol.
func (Protocol) ProcessSenderKeyDistributionMessage(ctx context.Context, sender libsignal.Address, message []byte, store libsignal.SenderKeyStore) (libsignal.DistributionID, error) {
	state, err := parseSenderKeyState(message)
	if err != nil {
		return uuid.Nil, err
	}
	return state.distributionID, store.StoreSenderKey(ctx, sender, state.distributionID, libsignal.NewSenderKeyRecord(state.marshal()))
}

// GroupEncrypt implements libsignal.Protocol.
func (Protocol) GroupEncrypt(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, plaintext []byte, store libsignal.SenderKeyStore) (*libsignal.CiphertextMessage, error) {
	rec, err := store.LoadSenderKey(ctx, sender, distributionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no sender key for distribution %s", distributionID)
	}
	state, err := parseSenderKeyState(rec.Serialize())
	if err != nil {
		return nil, err
	}
	it := state.iteration
	state.iteration++
	var msg []byte
	msg = wire.AppendBytes(msg, 1, distributionID[:])
	msg = wire.AppendVarint(msg, 2, it+1)
	msg = wire.AppendBytes(msg, 3, seal(state.messageKey(it), plaintext))
	if err := store.StoreSenderKey(ctx, sender, distributionID, libsignal.NewSenderKeyRecord(state.marshal())); err != nil {
		return nil, err
	}
	return libsignal.NewCiphertextMessage(libsignal.CiphertextMessageTypeSenderKey, msg), nil
}

// GroupDecrypt implements libsignal.Protocol.
func (Protocol) GroupDecrypt(ctx context.Context, message []byte, sender libsignal.Address, store libsignal.SenderKeyStore) ([]byte, error) {
	fields, err := wire.Parse(message)
	if err != nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "sender key message: %v", err)
	}
	var distID uuid.UUID
	var it uint64
	var ct []byte
	for _, f := range fields {
		switch f.Num {
		case 1:
			if distID, err = uuid.FromBytes(f.Bytes); err != nil {
				return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "distribution id: %v", err)
			}
		case 2:
			it = f.Varint
		case 3:
			ct = f.Bytes
		}
	}
	if it == 0 || ct == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "incomplete sender key message")
	}
	it--
	rec, err := store.LoadSenderKey(ctx, sender, distID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, libsignal.Errorf(libsignal.ErrorCodeNoSession, "no sender key state for %s distribution %s", sender, distID)
	}
	state, err := parseSenderKeyState(rec.Serialize())
	if err != nil {
		return nil, err
	}
	pt, ok := open(state.messageKey(it), ct)
	if !ok {
		return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidMessage, "sender key decryption failed")
	}
	for _, s := range state.seen {
		if s == it {
			return nil, libsignal.Errorf(libsignal.ErrorCodeDuplicatedMessage, "sender key iteration %d already received", it)
		}
	}
	state.seen = append(state.seen, it)
	if len(state.seen) > maxSeen {
		state.seen = state.seen[len(state.seen)-maxSeen:]
	}
	if err := store.StoreSenderKey(ctx, sender, distID, libsignal.NewSenderKeyRecord(state.marshal())); err != nil {
		return nil, err
	}
	return pt, nil
}
