package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	keystore "github.com/gwillem/signal-keystore"
	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/signalservice"
)

type selftestCommand struct {
	Rounds int  `short:"n" long:"rounds" default:"10" description:"Number of message exchanges"`
	Hold   bool `long:"hold" description:"Keep serving metrics after the test until interrupted"`
}

// selftest runs the keystore in a throwaway database against an in-process
// peer that uses the same ratchet backend: a 1:1 exchange, a sealed sender
// message and a group message.
func (cmd *selftestCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "sgnl-keys-selftest")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	cfg.Store.Path = filepath.Join(dir, "selftest.db")

	trustPub, trustPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Address != "" {
		serveMetrics(cfg.Metrics.Address, reg)
		fmt.Printf("Serving metrics on http://%s/metrics\n", cfg.Metrics.Address)
	}
	backend := keystore.NewProtocol()
	kopts, closeLog, err := keystoreOpts(cfg,
		keystore.WithProtocol(backend),
		keystore.WithCertificateValidator(libsignal.TrustRootValidator{TrustRoot: trustPub}),
		keystore.WithMetricsRegisterer(reg),
	)
	if err != nil {
		return err
	}
	defer closeLog()
	k := keystore.New(kopts...)
	defer k.Close()
	if err := k.Create(ctx, "+15550000000"); err != nil {
		return err
	}
	acct := k.Account()
	local := libsignal.NewAddress(acct.ACI.String(), acct.DeviceID)

	peer, err := newPeer(uuid.NewString(), 4242)
	if err != nil {
		return err
	}
	fmt.Printf("=== Self-Test ===\n")
	fmt.Printf("Local: %s\n", local)
	fmt.Printf("Peer:  %s\n", peer.Address)

	bundle, err := peer.bundle(ctx)
	if err != nil {
		return err
	}
	if err := k.ProcessPreKeyBundle(ctx, peer.Address, bundle); err != nil {
		return fmt.Errorf("process bundle: %w", err)
	}

	start := time.Now()
	for i := range cmd.Rounds {
		text := fmt.Sprintf("ping %d", i)
		out, err := k.Encrypt(ctx, peer.Address, nil, textContent(text).Marshal())
		if err != nil {
			return fmt.Errorf("round %d: encrypt: %w", i, err)
		}
		body, err := base64.StdEncoding.DecodeString(out.Content)
		if err != nil {
			return err
		}
		if out.Type == signalservice.EnvelopePrekeyBundle {
			_, err = backend.DecryptPreKeyMessage(ctx, body, local, peer.Store)
		} else {
			_, err = backend.DecryptMessage(ctx, body, local, peer.Store, peer.Store)
		}
		if err != nil {
			return fmt.Errorf("round %d: peer decrypt: %w", i, err)
		}

		msg, err := backend.Encrypt(ctx, padded(textContent("pong").Marshal()), local, peer.Store, peer.Store)
		if err != nil {
			return fmt.Errorf("round %d: peer encrypt: %w", i, err)
		}
		content, _, err := k.Decrypt(ctx, &keystore.Envelope{
			Type:            signalservice.EnvelopeCiphertext,
			SourceServiceID: peer.Address.Name,
			SourceDevice:    peer.Address.DeviceID,
			Content:         msg.Serialize(),
		})
		if err != nil {
			return fmt.Errorf("round %d: decrypt: %w", i, err)
		}
		if content.DataMessage == nil || content.DataMessage.Body != "pong" {
			return fmt.Errorf("round %d: unexpected content", i)
		}
	}
	fmt.Printf("1:1:     %d round trips in %v\n", cmd.Rounds, time.Since(start))

	// Sealed sender from the peer.
	cert := &libsignal.SenderCertificate{
		SenderUUID:  peer.Address.Name,
		DeviceID:    peer.Address.DeviceID,
		Expiration:  uint64(time.Now().Add(time.Hour).UnixMilli()),
		IdentityKey: peer.Identity.PublicKey,
	}
	cert.Sign(trustPriv)
	inner, err := backend.Encrypt(ctx, padded(textContent("sealed").Marshal()), local, peer.Store, peer.Store)
	if err != nil {
		return err
	}
	sealed, err := backend.SealedSenderEncrypt(ctx, local, &libsignal.UnidentifiedSenderMessageContent{
		MsgType:    inner.Type(),
		Contents:   inner.Serialize(),
		SenderCert: cert,
	}, peer.Store)
	if err != nil {
		return err
	}
	_, meta, err := k.Decrypt(ctx, &keystore.Envelope{Type: signalservice.EnvelopeUnidentifiedSender, Content: sealed})
	if err != nil {
		return fmt.Errorf("sealed sender: %w", err)
	}
	fmt.Printf("Sealed:  ok, sender %s.%d\n", meta.Sender, meta.SenderDevice)

	// Group message: the sender key travels inside a 1:1 message first.
	distID := uuid.New()
	skdm, err := backend.CreateSenderKeyDistributionMessage(ctx, peer.Address, distID, peer.Store)
	if err != nil {
		return err
	}
	msg, err := backend.Encrypt(ctx, padded((&keystore.Content{SenderKeyDistributionMessage: skdm}).Marshal()), local, peer.Store, peer.Store)
	if err != nil {
		return err
	}
	if _, _, err := k.Decrypt(ctx, &keystore.Envelope{
		Type:            signalservice.EnvelopeCiphertext,
		SourceServiceID: peer.Address.Name,
		SourceDevice:    peer.Address.DeviceID,
		Content:         msg.Serialize(),
	}); err != nil {
		return fmt.Errorf("sender key distribution: %w", err)
	}
	group, err := backend.GroupEncrypt(ctx, peer.Address, distID, padded(textContent("group").Marshal()), peer.Store)
	if err != nil {
		return err
	}
	if _, _, err := k.Decrypt(ctx, &keystore.Envelope{
		Type:            signalservice.EnvelopeSenderKeyMessage,
		SourceServiceID: peer.Address.Name,
		SourceDevice:    peer.Address.DeviceID,
		Content:         group.Serialize(),
	}); err != nil {
		return fmt.Errorf("group: %w", err)
	}
	fmt.Printf("Group:   ok, distribution %s\n", distID)

	stats := k.CacheStats()
	fmt.Printf("Identity cache: %d hits, %d misses, %d evictions\n", stats.Hits, stats.Misses, stats.Evictions)
	fmt.Println("PASS")

	if cmd.Hold && cfg.Metrics.Address != "" {
		<-ctx.Done()
	}
	return nil
}

// peer is the remote side of the self-test, kept in memory.
type peer struct {
	Address        libsignal.Address
	Identity       *libsignal.IdentityKeyPair
	RegistrationID uint32
	Store          *libsignal.MemoryStore
}

func newPeer(name string, registrationID uint32) (*peer, error) {
	id, err := keystore.GenerateIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	return &peer{
		Address:        keystore.NewAddress(name, 1),
		Identity:       id,
		RegistrationID: registrationID,
		Store:          libsignal.NewMemoryStore(id, registrationID),
	}, nil
}

// bundle publishes one signed and one one-time pre-key.
func (p *peer) bundle(ctx context.Context) (*keystore.PreKeyBundle, error) {
	spk, err := keystore.GenerateSignedPreKey(p.Identity, 1, time.Now())
	if err != nil {
		return nil, err
	}
	opks, err := keystore.GeneratePreKeys(1, 1)
	if err != nil {
		return nil, err
	}
	if err := p.Store.StoreSignedPreKey(ctx, spk.ID, spk); err != nil {
		return nil, err
	}
	if err := p.Store.StorePreKey(ctx, opks[0].ID, opks[0]); err != nil {
		return nil, err
	}
	return &keystore.PreKeyBundle{
		RegistrationID:        p.RegistrationID,
		DeviceID:              p.Address.DeviceID,
		PreKeyID:              opks[0].ID,
		PreKey:                opks[0].KeyPair.PublicKey,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.KeyPair.PublicKey,
		SignedPreKeySignature: spk.Signature,
		IdentityKey:           p.Identity.PublicKey,
	}, nil
}

func textContent(body string) *keystore.Content {
	return &keystore.Content{DataMessage: &signalservice.DataMessage{
		Body:      body,
		Timestamp: uint64(time.Now().UnixMilli()),
	}}
}

// padded applies transport padding: a 0x80 terminator, then zeros up to
// one byte short of the next 80-byte boundary.
func padded(b []byte) []byte {
	const block = 80
	n := (len(b)+2+block-1)/block*block - 1
	out := make([]byte, n)
	copy(out, b)
	out[len(b)] = 0x80
	return out
}
