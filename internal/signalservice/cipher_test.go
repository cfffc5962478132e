package signalservice

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/libsignal/libsignaltest"
	"github.com/gwillem/signal-keystore/internal/protocolstore"
	"github.com/gwillem/signal-keystore/internal/store"
)

var backend = libsignaltest.Protocol{}

type harness struct {
	stores    *protocolstore.Stores
	cipher    *Cipher
	local     libsignal.Address
	alice     *libsignaltest.Peer
	trustRoot ed25519.PrivateKey
	metrics   *Metrics
}

// newHarness creates the local keystore (bob) and a remote peer (alice).
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "bob.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	aciKey, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pniKey, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	account := protocolstore.LocalAccount{
		ACI:               libsignal.ACI(uuid.New()),
		PNI:               libsignal.PNI(uuid.New()),
		E164:              "+15550000002",
		DeviceID:          1,
		ACIIdentity:       aciKey,
		ACIRegistrationID: 42,
		PNIIdentity:       pniKey,
		PNIRegistrationID: 43,
	}
	stores, err := protocolstore.New(st, account)
	if err != nil {
		t.Fatal(err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	opts = append([]Option{
		WithCertificateValidator(libsignal.TrustRootValidator{TrustRoot: pub}),
		WithMetrics(metrics),
	}, opts...)
	c, err := NewCipher(stores, account.ACI, backend, opts...)
	if err != nil {
		t.Fatal(err)
	}

	alice, err := libsignaltest.NewPeer(uuid.NewString(), 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{
		stores:    stores,
		cipher:    c,
		local:     libsignal.NewAddress(account.ACI.String(), account.DeviceID),
		alice:     alice,
		trustRoot: priv,
		metrics:   metrics,
	}
}

// localBundle publishes pre-keys in the local ACI store.
func (h *harness) localBundle(t *testing.T) *libsignal.PreKeyBundle {
	t.Helper()
	ctx := context.Background()
	spk, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	opk, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.stores.ACI.StoreSignedPreKey(ctx, 1, &libsignal.SignedPreKeyRecord{ID: 1, KeyPair: spk}); err != nil {
		t.Fatal(err)
	}
	if err := h.stores.ACI.StorePreKey(ctx, 2, libsignal.NewPreKeyRecord(2, opk)); err != nil {
		t.Fatal(err)
	}
	return &libsignal.PreKeyBundle{
		RegistrationID: 42,
		DeviceID:       h.local.DeviceID,
		PreKeyID:       2,
		PreKey:         opk.PublicKey,
		SignedPreKeyID: 1,
		SignedPreKey:   spk.PublicKey,
		IdentityKey:    h.stores.Account.ACIIdentity.PublicKey,
	}
}

// aliceEncrypt encrypts content from alice to the local account.
func (h *harness) aliceEncrypt(t *testing.T, content *Content) (*libsignal.CiphertextMessage, []byte) {
	t.Helper()
	msg, err := backend.Encrypt(context.Background(), padMessage(content.Marshal()), h.local, h.alice.Store, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	return msg, msg.Serialize()
}

func (h *harness) aliceEnvelope(t *testing.T, content *Content) *Envelope {
	t.Helper()
	msg, body := h.aliceEncrypt(t, content)
	typ, ok := envelopeTypeForCiphertext(msg.Type())
	if !ok {
		t.Fatalf("unexpected message type %d", msg.Type())
	}
	return &Envelope{
		Type:            typ,
		SourceServiceID: h.alice.Address.Name,
		SourceDevice:    h.alice.Address.DeviceID,
		Timestamp:       uint64(time.Now().UnixMilli()),
		ServerTimestamp: uint64(time.Now().UnixMilli()),
		Content:         body,
	}
}

func (h *harness) certificate(t *testing.T, senderUUID string, device uint32, expires time.Time) *libsignal.SenderCertificate {
	t.Helper()
	cert := &libsignal.SenderCertificate{
		SenderUUID:  senderUUID,
		DeviceID:    device,
		Expiration:  uint64(expires.UnixMilli()),
		IdentityKey: h.alice.Identity.PublicKey,
	}
	cert.Sign(h.trustRoot)
	return cert
}

func textContent(body string) *Content {
	return &Content{DataMessage: &DataMessage{Body: body, Timestamp: 1700000000000}}
}

func mustKind(t *testing.T, err error, want ErrorKind) *ProtocolError {
	t.Helper()
	pe := AsProtocolError(err)
	if pe == nil {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if pe.Kind != want {
		t.Fatalf("kind = %s, want %s (err: %v)", pe.Kind, want, err)
	}
	return pe
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	bundle, err := h.alice.Bundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cipher.ProcessPreKeyBundle(ctx, h.alice.Address, bundle); err != nil {
		t.Fatal(err)
	}

	out, err := h.cipher.Encrypt(ctx, h.alice.Address, nil, textContent("hello alice").Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != EnvelopePrekeyBundle {
		t.Errorf("first message type = %s, want PREKEY_BUNDLE", out.Type)
	}
	if out.DestinationRegistrationID != 7 || out.DestinationDeviceID != 1 {
		t.Errorf("destination = reg %d dev %d, want reg 7 dev 1", out.DestinationRegistrationID, out.DestinationDeviceID)
	}

	body, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := backend.DecryptPreKeyMessage(ctx, body, h.local, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseContent(stripPadding(pt))
	if err != nil {
		t.Fatal(err)
	}
	if got.DataMessage == nil || got.DataMessage.Body != "hello alice" {
		t.Fatalf("alice got %+v", got.DataMessage)
	}

	// Alice replies; the session is now confirmed on both sides.
	env := h.aliceEnvelope(t, textContent("hello bob"))
	if env.Type != EnvelopeCiphertext {
		t.Errorf("reply type = %s, want CIPHERTEXT", env.Type)
	}
	content, meta, err := h.cipher.Decrypt(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage.Body != "hello bob" {
		t.Errorf("body = %q, want %q", content.DataMessage.Body, "hello bob")
	}
	if meta.Sender != h.alice.Address.Name || meta.SenderDevice != 1 || meta.SealedSender {
		t.Errorf("metadata = %+v", meta)
	}

	out, err = h.cipher.Encrypt(ctx, h.alice.Address, nil, textContent("again").Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != EnvelopeCiphertext {
		t.Errorf("type after reply = %s, want CIPHERTEXT", out.Type)
	}

	if got := testutil.ToFloat64(h.metrics.decrypts.WithLabelValues("ok")); got != 1 {
		t.Errorf("decrypt ok counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.encrypts.WithLabelValues("CIPHERTEXT")); got != 1 {
		t.Errorf("encrypt CIPHERTEXT counter = %v, want 1", got)
	}
}

func TestDecryptIncomingPreKeyMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := backend.ProcessPreKeyBundle(ctx, h.localBundle(t), h.local, h.alice.Store, h.alice.Store); err != nil {
		t.Fatal(err)
	}
	env := h.aliceEnvelope(t, textContent("first contact"))
	if env.Type != EnvelopePrekeyBundle {
		t.Fatalf("type = %s, want PREKEY_BUNDLE", env.Type)
	}
	content, _, err := h.cipher.Decrypt(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage.Body != "first contact" {
		t.Errorf("body = %q", content.DataMessage.Body)
	}

	rec, err := h.stores.Identities.GetIdentityRecord(ctx, h.alice.Address.Name)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.IdentityKey.Equal(h.alice.Identity.PublicKey) || !rec.FirstUse {
		t.Errorf("alice identity not saved on first use: %+v", rec)
	}
	ok, err := h.stores.ACI.Sessions.ContainsSession(ctx, h.alice.Address)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("no session after pre-key message")
	}
}

func TestDecryptDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := backend.ProcessPreKeyBundle(ctx, h.localBundle(t), h.local, h.alice.Store, h.alice.Store); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.cipher.Decrypt(ctx, h.aliceEnvelope(t, textContent("one"))); err != nil {
		t.Fatal(err)
	}
	// Confirm the session so alice sends ordinary messages.
	out, err := h.cipher.Encrypt(ctx, h.alice.Address, nil, textContent("ack").Marshal())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := base64.StdEncoding.DecodeString(out.Content)
	if _, err := backend.DecryptMessage(ctx, body, h.local, h.alice.Store, h.alice.Store); err != nil {
		t.Fatal(err)
	}

	env := h.aliceEnvelope(t, textContent("two"))
	if _, _, err := h.cipher.Decrypt(ctx, env); err != nil {
		t.Fatal(err)
	}
	_, _, err = h.cipher.Decrypt(ctx, env)
	pe := mustKind(t, err, ErrorKindDuplicateMessage)
	if pe.Sender != h.alice.Address.Name || pe.SenderDevice != 1 {
		t.Errorf("error sender = %s.%d", pe.Sender, pe.SenderDevice)
	}
	if got := testutil.ToFloat64(h.metrics.decrypts.WithLabelValues("duplicate_message")); got != 1 {
		t.Errorf("duplicate counter = %v, want 1", got)
	}
}

func TestDecryptInvalidEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		env  *Envelope
		kind ErrorKind
	}{
		{"nil", nil, ErrorKindInvalidEnvelope},
		{"empty content", &Envelope{Type: EnvelopeCiphertext, SourceServiceID: "x", SourceDevice: 1}, ErrorKindInvalidEnvelope},
		{"no source", &Envelope{Type: EnvelopeCiphertext, Content: []byte{1}}, ErrorKindInvalidEnvelope},
		{"receipt", &Envelope{Type: EnvelopeReceipt, SourceServiceID: "x", SourceDevice: 1, Content: []byte{1}}, ErrorKindUnsupportedMessageType},
		{"no session", &Envelope{Type: EnvelopeCiphertext, SourceServiceID: "x", SourceDevice: 1, Content: []byte{1}}, ErrorKindNoSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.cipher.Decrypt(ctx, tt.env)
			mustKind(t, err, tt.kind)
		})
	}
}

func TestEncryptErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.cipher.Encrypt(ctx, h.alice.Address, nil, []byte("x"))
	mustKind(t, err, ErrorKindNoSession)

	bundle, err := h.alice.Bundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cipher.ProcessPreKeyBundle(ctx, h.alice.Address, bundle); err != nil {
		t.Fatal(err)
	}

	_, err = h.cipher.Encrypt(ctx, h.alice.Address, &UnidentifiedAccess{}, []byte("x"))
	mustKind(t, err, ErrorKindInvalidMetadata)

	// Alice's key changes; sending must stop until the change is handled.
	changed, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.stores.Identities.SaveIdentity(ctx, h.alice.Address, changed.PublicKey, false)
	if err != nil {
		t.Fatal(err)
	}
	if res != protocolstore.SaveResultUpdate {
		t.Fatalf("save result = %s, want update", res)
	}
	_, err = h.cipher.Encrypt(ctx, h.alice.Address, nil, []byte("x"))
	mustKind(t, err, ErrorKindUntrustedIdentity)
}

func TestSealedSenderRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Outgoing: bob seals for alice.
	bundle, err := h.alice.Bundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cipher.ProcessPreKeyBundle(ctx, h.alice.Address, bundle); err != nil {
		t.Fatal(err)
	}
	ourCert := h.certificate(t, h.local.Name, h.local.DeviceID, time.Now().Add(time.Hour))
	out, err := h.cipher.Encrypt(ctx, h.alice.Address, &UnidentifiedAccess{SenderCertificate: ourCert}, textContent("sealed hi").Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != EnvelopeUnidentifiedSender {
		t.Fatalf("type = %s, want UNIDENTIFIED_SENDER", out.Type)
	}
	sealed, _ := base64.StdEncoding.DecodeString(out.Content)
	usmc, err := backend.SealedSenderDecryptToUSMC(ctx, sealed, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	if usmc.SenderCert.SenderUUID != h.local.Name {
		t.Errorf("sealed sender uuid = %s, want %s", usmc.SenderCert.SenderUUID, h.local.Name)
	}
	if usmc.MsgType != libsignal.CiphertextMessageTypePreKey {
		t.Errorf("inner type = %d, want pre-key", usmc.MsgType)
	}

	// Incoming: alice seals for bob.
	if _, err := backend.DecryptPreKeyMessage(ctx, usmc.Contents, h.local, h.alice.Store); err != nil {
		t.Fatal(err)
	}
	msg, body := h.aliceEncrypt(t, textContent("sealed reply"))
	aliceCert := h.certificate(t, h.alice.Address.Name, h.alice.Address.DeviceID, time.Now().Add(time.Hour))
	ct, err := backend.SealedSenderEncrypt(ctx, h.local, &libsignal.UnidentifiedSenderMessageContent{
		MsgType:     msg.Type(),
		Contents:    body,
		SenderCert:  aliceCert,
		ContentHint: libsignal.ContentHintResendable,
	}, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	content, meta, err := h.cipher.Decrypt(ctx, &Envelope{
		Type:            EnvelopeUnidentifiedSender,
		Content:         ct,
		ServerTimestamp: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage.Body != "sealed reply" {
		t.Errorf("body = %q", content.DataMessage.Body)
	}
	if !meta.SealedSender || meta.Sender != h.alice.Address.Name || meta.SenderDevice != 1 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.ContentHint != libsignal.ContentHintResendable {
		t.Errorf("content hint = %d", meta.ContentHint)
	}
}

// sealedFromAlice returns an envelope sealed by alice for bob carrying cert.
func (h *harness) sealedFromAlice(t *testing.T, cert *libsignal.SenderCertificate) *Envelope {
	t.Helper()
	ctx := context.Background()
	if err := backend.ProcessPreKeyBundle(ctx, h.localBundle(t), h.local, h.alice.Store, h.alice.Store); err != nil {
		t.Fatal(err)
	}
	msg, body := h.aliceEncrypt(t, textContent("x"))
	ct, err := backend.SealedSenderEncrypt(ctx, h.local, &libsignal.UnidentifiedSenderMessageContent{
		MsgType:    msg.Type(),
		Contents:   body,
		SenderCert: cert,
	}, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	return &Envelope{Type: EnvelopeUnidentifiedSender, Content: ct}
}

func TestSealedSenderRejectsBadCertificate(t *testing.T) {
	h := newHarness(t)
	expired := h.certificate(t, h.alice.Address.Name, 1, time.Now().Add(-time.Minute))
	_, _, err := h.cipher.Decrypt(context.Background(), h.sealedFromAlice(t, expired))
	mustKind(t, err, ErrorKindInvalidMetadata)

	_, otherRoot, _ := ed25519.GenerateKey(nil)
	forged := &libsignal.SenderCertificate{
		SenderUUID:  h.alice.Address.Name,
		DeviceID:    1,
		Expiration:  uint64(time.Now().Add(time.Hour).UnixMilli()),
		IdentityKey: h.alice.Identity.PublicKey,
	}
	forged.Sign(otherRoot)
	_, _, err = h.cipher.Decrypt(context.Background(), h.sealedFromAlice(t, forged))
	mustKind(t, err, ErrorKindInvalidMetadata)
}

func TestSealedSenderWithoutValidator(t *testing.T) {
	h := newHarness(t, WithCertificateValidator(nil))
	cert := h.certificate(t, h.alice.Address.Name, 1, time.Now().Add(time.Hour))
	_, _, err := h.cipher.Decrypt(context.Background(), h.sealedFromAlice(t, cert))
	mustKind(t, err, ErrorKindInvalidMetadata)
}

func TestSealedSenderSelfSend(t *testing.T) {
	h := newHarness(t)
	cert := h.certificate(t, h.local.Name, h.local.DeviceID, time.Now().Add(time.Hour))
	_, _, err := h.cipher.Decrypt(context.Background(), h.sealedFromAlice(t, cert))
	mustKind(t, err, ErrorKindSelfSend)
}

func TestDecryptPrefersAddressWithSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e164 := "+15550000003"

	// Alice is known by ACI and phone number; the session is under the number.
	if _, err := h.stores.Storage.SaveRecipient(ctx, &store.Recipient{ACI: h.alice.Address.Name, E164: e164}); err != nil {
		t.Fatal(err)
	}
	bundle, err := h.alice.Bundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byNumber := libsignal.NewAddress(e164, 1)
	if err := h.cipher.ProcessPreKeyBundle(ctx, byNumber, bundle); err != nil {
		t.Fatal(err)
	}
	out, err := h.cipher.Encrypt(ctx, byNumber, nil, textContent("hi").Marshal())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := base64.StdEncoding.DecodeString(out.Content)
	if _, err := backend.DecryptPreKeyMessage(ctx, body, h.local, h.alice.Store); err != nil {
		t.Fatal(err)
	}

	content, _, err := h.cipher.Decrypt(ctx, h.aliceEnvelope(t, textContent("via aci")))
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage.Body != "via aci" {
		t.Errorf("body = %q", content.DataMessage.Body)
	}
	ok, err := h.stores.ACI.Sessions.ContainsSession(ctx, h.alice.Address)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a second session was created under the ACI")
	}
}

func TestSealedSenderUsesCertificateNumber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e164 := "+15550000003"

	// The session is under the phone number and no recipient links it to
	// the ACI; only the certificate does.
	bundle, err := h.alice.Bundle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	byNumber := libsignal.NewAddress(e164, 1)
	if err := h.cipher.ProcessPreKeyBundle(ctx, byNumber, bundle); err != nil {
		t.Fatal(err)
	}
	out, err := h.cipher.Encrypt(ctx, byNumber, nil, textContent("hi").Marshal())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := base64.StdEncoding.DecodeString(out.Content)
	if _, err := backend.DecryptPreKeyMessage(ctx, body, h.local, h.alice.Store); err != nil {
		t.Fatal(err)
	}

	msg, inner := h.aliceEncrypt(t, textContent("sealed via number"))
	cert := &libsignal.SenderCertificate{
		SenderUUID:  h.alice.Address.Name,
		SenderE164:  e164,
		DeviceID:    1,
		Expiration:  uint64(time.Now().Add(time.Hour).UnixMilli()),
		IdentityKey: h.alice.Identity.PublicKey,
	}
	cert.Sign(h.trustRoot)
	ct, err := backend.SealedSenderEncrypt(ctx, h.local, &libsignal.UnidentifiedSenderMessageContent{
		MsgType:    msg.Type(),
		Contents:   inner,
		SenderCert: cert,
	}, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	content, meta, err := h.cipher.Decrypt(ctx, &Envelope{
		Type:            EnvelopeUnidentifiedSender,
		Content:         ct,
		ServerTimestamp: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage.Body != "sealed via number" {
		t.Errorf("body = %q", content.DataMessage.Body)
	}
	if meta.Sender != h.alice.Address.Name || meta.SenderE164 != e164 {
		t.Errorf("metadata = %+v", meta)
	}
	ok, err := h.stores.ACI.Sessions.ContainsSession(ctx, h.alice.Address)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("a second session was created under the ACI")
	}
}

func TestSenderKeyDistributionAndGroupMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	distID := uuid.New()

	if err := backend.ProcessPreKeyBundle(ctx, h.localBundle(t), h.local, h.alice.Store, h.alice.Store); err != nil {
		t.Fatal(err)
	}
	skdm, err := backend.CreateSenderKeyDistributionMessage(ctx, h.alice.Address, distID, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.cipher.Decrypt(ctx, h.aliceEnvelope(t, &Content{SenderKeyDistributionMessage: skdm})); err != nil {
		t.Fatal(err)
	}

	group, err := backend.GroupEncrypt(ctx, h.alice.Address, distID, padMessage(textContent("to the group").Marshal()), h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	content, meta, err := h.cipher.Decrypt(ctx, &Envelope{
		Type:            EnvelopeSenderKeyMessage,
		SourceServiceID: h.alice.Address.Name,
		SourceDevice:    1,
		Content:         group.Serialize(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if content.DataMessage.Body != "to the group" || meta.Sender != h.alice.Address.Name {
		t.Errorf("content = %+v, meta = %+v", content.DataMessage, meta)
	}
}

func TestLocalSenderKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	distID := uuid.New()

	skdm, err := h.cipher.CreateSenderKeyDistribution(ctx, distID)
	if err != nil {
		t.Fatal(err)
	}
	gotID, err := backend.ProcessSenderKeyDistributionMessage(ctx, h.local, skdm, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != distID {
		t.Errorf("distribution id = %s, want %s", gotID, distID)
	}

	ct, err := h.cipher.GroupEncrypt(ctx, distID, []byte("group hello"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := backend.GroupDecrypt(ctx, ct, h.local, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(stripPadding(pt)); got != "group hello" {
		t.Errorf("group plaintext = %q", got)
	}

	// Installing a peer's key through the cipher.
	aliceSKDM, err := backend.CreateSenderKeyDistributionMessage(ctx, h.alice.Address, distID, h.alice.Store)
	if err != nil {
		t.Fatal(err)
	}
	gotID, err = h.cipher.ProcessSenderKeyDistribution(ctx, h.alice.Address, aliceSKDM)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != distID {
		t.Errorf("distribution id = %s, want %s", gotID, distID)
	}
	_, err = h.cipher.ProcessSenderKeyDistribution(ctx, h.alice.Address, []byte{0xff})
	mustKind(t, err, ErrorKindInvalidMessage)
}

func TestNewCipherRejectsForeignAccount(t *testing.T) {
	h := newHarness(t)
	if _, err := NewCipher(h.stores, libsignal.ACI(uuid.New()), backend); err == nil {
		t.Error("expected error for a service id that is not local")
	}
	if _, err := NewCipher(h.stores, h.stores.Account.PNI, backend); err != nil {
		t.Errorf("PNI cipher: %v", err)
	}
}
