package ratchet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

type party struct {
	addr     libsignal.Address
	identity *libsignal.IdentityKeyPair
	regID    uint32
	store    *libsignal.MemoryStore
}

func newParty(t *testing.T, regID uint32) *party {
	t.Helper()
	id, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return &party{
		addr:     libsignal.NewAddress(uuid.NewString(), 1),
		identity: id,
		regID:    regID,
		store:    libsignal.NewMemoryStore(id, regID),
	}
}

// bundle publishes a signed pre-key and, when withPreKey is set, one
// one-time pre-key.
func (p *party) bundle(t *testing.T, withPreKey bool) *libsignal.PreKeyBundle {
	t.Helper()
	ctx := context.Background()
	spk, err := GenerateSignedPreKey(p.identity, 11, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.store.StoreSignedPreKey(ctx, spk.ID, spk); err != nil {
		t.Fatal(err)
	}
	b := &libsignal.PreKeyBundle{
		RegistrationID:        p.regID,
		DeviceID:              p.addr.DeviceID,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.KeyPair.PublicKey,
		SignedPreKeySignature: spk.Signature,
		IdentityKey:           p.identity.PublicKey,
	}
	if withPreKey {
		pks, err := GeneratePreKeys(100, 1)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.store.StorePreKey(ctx, pks[0].ID, pks[0]); err != nil {
			t.Fatal(err)
		}
		b.PreKeyID, b.PreKey = pks[0].ID, pks[0].KeyPair.PublicKey
	}
	return b
}

// establish runs the pre-key handshake from alice to bob and checks that bob
// reads the first message.
func establish(t *testing.T, p *Protocol, alice, bob *party, withPreKey bool) {
	t.Helper()
	ctx := context.Background()
	if err := p.ProcessPreKeyBundle(ctx, bob.bundle(t, withPreKey), bob.addr, alice.store, alice.store); err != nil {
		t.Fatal(err)
	}
	ct, err := p.Encrypt(ctx, []byte("hello"), bob.addr, alice.store, alice.store)
	if err != nil {
		t.Fatal(err)
	}
	if ct.Type() != libsignal.CiphertextMessageTypePreKey {
		t.Fatalf("first message type = %d, want pre-key", ct.Type())
	}
	pt, err := p.DecryptPreKeyMessage(ctx, ct.Serialize(), alice.addr, bob.store)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello" {
		t.Fatalf("plaintext = %q", pt)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)
	establish(t, p, alice, bob, true)

	if _, err := bob.store.LoadPreKey(ctx, 100); libsignal.CodeOf(err) != libsignal.ErrorCodeInvalidKeyID {
		t.Errorf("one-time pre-key not consumed: %v", err)
	}
	rec, err := bob.store.LoadSession(ctx, alice.addr)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.HasCurrentState() {
		t.Fatal("bob has no current session")
	}
	if id, _ := rec.RemoteRegistrationID(); id != alice.regID {
		t.Errorf("remote registration id = %d, want %d", id, alice.regID)
	}
	if remote, _ := rec.RemoteIdentityKey(); remote == nil || !remote.Equal(alice.identity.PublicKey) {
		t.Error("remote identity not recorded")
	}

	reply, err := p.Encrypt(ctx, []byte("hi alice"), alice.addr, bob.store, bob.store)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Type() != libsignal.CiphertextMessageTypeWhisper {
		t.Fatalf("reply type = %d, want whisper", reply.Type())
	}
	pt, err := p.DecryptMessage(ctx, reply.Serialize(), bob.addr, alice.store, alice.store)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hi alice" {
		t.Fatalf("plaintext = %q", pt)
	}

	// After the reply alice no longer sends pre-key messages.
	next, err := p.Encrypt(ctx, []byte("again"), bob.addr, alice.store, alice.store)
	if err != nil {
		t.Fatal(err)
	}
	if next.Type() != libsignal.CiphertextMessageTypeWhisper {
		t.Errorf("type after reply = %d, want whisper", next.Type())
	}
	if _, err := p.DecryptMessage(ctx, next.Serialize(), alice.addr, bob.store, bob.store); err != nil {
		t.Fatal(err)
	}
	_, err = p.DecryptMessage(ctx, next.Serialize(), alice.addr, bob.store, bob.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeDuplicatedMessage {
		t.Errorf("replay: got %v, want duplicated message", err)
	}
}

func TestSessionWithoutOneTimePreKey(t *testing.T) {
	establish(t, New(), newParty(t, 1), newParty(t, 2), false)
}

func TestEncryptWithoutSession(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)

	_, err := p.Encrypt(ctx, []byte("x"), bob.addr, alice.store, alice.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeNoSession {
		t.Errorf("fresh: got %v, want no session", err)
	}
	_, err = p.DecryptMessage(ctx, []byte{1}, bob.addr, alice.store, alice.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeNoSession {
		t.Errorf("decrypt fresh: got %v, want no session", err)
	}

	establish(t, p, alice, bob, true)
	rec, err := alice.store.LoadSession(ctx, bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	rec.ArchiveCurrentState()
	if err := alice.store.StoreSession(ctx, bob.addr, rec); err != nil {
		t.Fatal(err)
	}
	_, err = p.Encrypt(ctx, []byte("x"), bob.addr, alice.store, alice.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeNoSession {
		t.Errorf("archived: got %v, want no session", err)
	}
}

func TestArchivedSessionStillDecrypts(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)
	establish(t, p, alice, bob, true)

	late, err := p.Encrypt(ctx, []byte("late"), alice.addr, bob.store, bob.store)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := alice.store.LoadSession(ctx, bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	rec.ArchiveCurrentState()
	if err := alice.store.StoreSession(ctx, bob.addr, rec); err != nil {
		t.Fatal(err)
	}

	pt, err := p.DecryptMessage(ctx, late.Serialize(), bob.addr, alice.store, alice.store)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "late" {
		t.Fatalf("plaintext = %q", pt)
	}
	rec, err = alice.store.LoadSession(ctx, bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	if rec.HasCurrentState() {
		t.Error("decrypting a trailing message revived the archived session")
	}
}

func TestUntrustedIdentity(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)
	other, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.store.SaveIdentityKey(ctx, bob.addr, other.PublicKey); err != nil {
		t.Fatal(err)
	}
	err = p.ProcessPreKeyBundle(ctx, bob.bundle(t, true), bob.addr, alice.store, alice.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeUntrustedIdentity {
		t.Errorf("got %v, want untrusted identity", err)
	}
}

func TestBundleWithBadSignature(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)
	b := bob.bundle(t, true)
	b.SignedPreKeySignature = bytes.Clone(b.SignedPreKeySignature)
	b.SignedPreKeySignature[0] ^= 0xff
	if err := p.ProcessPreKeyBundle(ctx, b, bob.addr, alice.store, alice.store); err == nil {
		t.Fatal("bundle with a bad signature accepted")
	}
	rec, err := alice.store.LoadSession(ctx, bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IsFresh() {
		t.Error("session stored for a rejected bundle")
	}

	b.SignedPreKeySignature = b.SignedPreKeySignature[:10]
	if err := p.ProcessPreKeyBundle(ctx, b, bob.addr, alice.store, alice.store); libsignal.CodeOf(err) != libsignal.ErrorCodeInvalidKey {
		t.Errorf("short signature: got %v, want invalid key", err)
	}
}

func TestGroupMessages(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)
	dist := uuid.New()

	_, err := p.GroupEncrypt(ctx, alice.addr, dist, []byte("x"), alice.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeNoSession {
		t.Errorf("encrypt without sender key: got %v, want no session", err)
	}

	skdm, err := p.CreateSenderKeyDistributionMessage(ctx, alice.addr, dist, alice.store)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.ProcessSenderKeyDistributionMessage(ctx, alice.addr, skdm, bob.store)
	if err != nil {
		t.Fatal(err)
	}
	if got != dist {
		t.Errorf("distribution id = %s, want %s", got, dist)
	}

	for _, body := range []string{"one", "two"} {
		ct, err := p.GroupEncrypt(ctx, alice.addr, dist, []byte(body), alice.store)
		if err != nil {
			t.Fatal(err)
		}
		if ct.Type() != libsignal.CiphertextMessageTypeSenderKey {
			t.Fatalf("type = %d, want sender key", ct.Type())
		}
		pt, err := p.GroupDecrypt(ctx, ct.Serialize(), alice.addr, bob.store)
		if err != nil {
			t.Fatal(err)
		}
		if string(pt) != body {
			t.Errorf("plaintext = %q, want %q", pt, body)
		}
	}

	ct, err := p.GroupEncrypt(ctx, alice.addr, dist, []byte("three"), alice.store)
	if err != nil {
		t.Fatal(err)
	}
	stranger := newParty(t, 3)
	_, err = p.GroupDecrypt(ctx, ct.Serialize(), alice.addr, stranger.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeNoSession {
		t.Errorf("unknown sender key: got %v, want no session", err)
	}
	_, err = p.GroupDecrypt(ctx, []byte{0x0a, 0x01}, alice.addr, bob.store)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeInvalidMessage {
		t.Errorf("garbage: got %v, want invalid message", err)
	}
}

func TestSealedSender(t *testing.T) {
	ctx := context.Background()
	p := New()
	alice, bob := newParty(t, 1), newParty(t, 2)
	if _, err := alice.store.SaveIdentityKey(ctx, bob.addr, bob.identity.PublicKey); err != nil {
		t.Fatal(err)
	}
	usmc := &libsignal.UnidentifiedSenderMessageContent{
		MsgType:  libsignal.CiphertextMessageTypeWhisper,
		Contents: []byte("inner"),
		SenderCert: &libsignal.SenderCertificate{
			SenderUUID:  alice.addr.Name,
			DeviceID:    alice.addr.DeviceID,
			IdentityKey: alice.identity.PublicKey,
		},
	}
	sealed, err := p.SealedSenderEncrypt(ctx, bob.addr, usmc, alice.store)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.SealedSenderDecryptToUSMC(ctx, sealed, bob.store)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Contents, usmc.Contents) {
		t.Errorf("contents = %q", got.Contents)
	}
}

func TestSignedPreKeySignature(t *testing.T) {
	id, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(id, 5, time.UnixMilli(1700000000000))
	if err != nil {
		t.Fatal(err)
	}
	if len(spk.Signature) != 64 {
		t.Errorf("signature is %d bytes", len(spk.Signature))
	}
	if spk.Timestamp != 1700000000000 || spk.ID != 5 {
		t.Errorf("got id %d timestamp %d", spk.ID, spk.Timestamp)
	}
	pks, err := GeneratePreKeys(10, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, pk := range pks {
		if pk.ID != uint32(10+i) {
			t.Errorf("pre-key %d has id %d", i, pk.ID)
		}
	}
}
