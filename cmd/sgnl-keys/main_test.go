package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	keystore "github.com/gwillem/signal-keystore"
	"github.com/gwillem/signal-keystore/internal/config"
	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/signalservice"
	"github.com/gwillem/signal-keystore/internal/store"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want libsignal.Address
	}{
		{"0b9a6b5e-2f9c-4c47-9a3c-1b3f3b7d2a10", libsignal.NewAddress("0b9a6b5e-2f9c-4c47-9a3c-1b3f3b7d2a10", 0)},
		{"0b9a6b5e-2f9c-4c47-9a3c-1b3f3b7d2a10.2", libsignal.NewAddress("0b9a6b5e-2f9c-4c47-9a3c-1b3f3b7d2a10", 2)},
		{"+15550000001", libsignal.NewAddress("+15550000001", 0)},
		{"name.x", libsignal.NewAddress("name.x", 0)},
	}
	for _, tt := range tests {
		got, err := parseTarget(tt.in)
		if err != nil {
			t.Fatalf("parseTarget(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseTarget(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseTarget(""); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestParseVerifiedStatus(t *testing.T) {
	for in, want := range map[string]store.VerifiedStatus{
		"default":    store.VerifiedDefault,
		"Verified":   store.VerifiedVerified,
		"UNVERIFIED": store.VerifiedUnverified,
	} {
		got, err := parseVerifiedStatus(in)
		if err != nil {
			t.Fatalf("parseVerifiedStatus(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("parseVerifiedStatus(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := parseVerifiedStatus("trusted"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestDecodeKey(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	got, err := decodeKey(base64.StdEncoding.EncodeToString(key), 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, key) {
		t.Error("key mismatch")
	}
	if _, err := decodeKey(base64.StdEncoding.EncodeToString(key), 64); err == nil {
		t.Error("expected size error")
	}
	if _, err := decodeKey("!!", 32); err == nil {
		t.Error("expected decode error")
	}
}

func TestPadded(t *testing.T) {
	for _, n := range []int{0, 1, 78, 79, 80, 200} {
		b := padded(bytes.Repeat([]byte{1}, n))
		if (len(b)+1)%80 != 0 || len(b) <= n {
			t.Errorf("padded(%d) length = %d", n, len(b))
		}
		if b[n] != 0x80 {
			t.Errorf("padded(%d) missing terminator", n)
		}
	}
}

func TestNewLoggerFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Verbose = true
	cfg.Logging.File = filepath.Join(t.TempDir(), "keys.log")

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	logger.Print("opened keystore")
	closeLog()

	b, err := os.ReadFile(cfg.Logging.File)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "opened keystore") {
		t.Errorf("log file = %q", b)
	}

	cfg.Logging.Verbose = false
	logger, closeLog, err = newLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if logger != nil {
		t.Error("logger without Verbose")
	}
	closeLog()
}

func TestKeystoreOptsTrustRoot(t *testing.T) {
	ctx := context.Background()
	trustPub, trustPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	sender, err := keystore.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	cert := &libsignal.SenderCertificate{
		SenderUUID:  uuid.NewString(),
		DeviceID:    1,
		Expiration:  uint64(time.Now().Add(time.Hour).UnixMilli()),
		IdentityKey: sender.PublicKey,
	}
	cert.Sign(trustPriv)

	// sealedTo opens a keystore trusting root and hands it a sealed sender
	// envelope carrying cert.
	sealedTo := func(root ed25519.PublicKey) error {
		cfg := config.Default()
		cfg.Store.Path = filepath.Join(t.TempDir(), "keys.db")
		cfg.Trust.TrustRoot = base64.StdEncoding.EncodeToString(root)
		kopts, closeLog, err := keystoreOpts(cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer closeLog()
		k := keystore.New(kopts...)
		defer k.Close()
		if err := k.Create(ctx, "+15550000042"); err != nil {
			t.Fatal(err)
		}
		acct := k.Account()
		local := libsignal.NewAddress(acct.ACI.String(), acct.DeviceID)

		senderStore := libsignal.NewMemoryStore(sender, 5)
		if _, err := senderStore.SaveIdentityKey(ctx, local, acct.ACIIdentity.PublicKey); err != nil {
			t.Fatal(err)
		}
		sealed, err := libsignal.SealedSenderEncrypt(ctx, local, &libsignal.UnidentifiedSenderMessageContent{
			MsgType:    libsignal.CiphertextMessageTypeWhisper,
			Contents:   []byte("not a ratchet message"),
			SenderCert: cert,
		}, senderStore)
		if err != nil {
			t.Fatal(err)
		}
		_, _, err = k.Decrypt(ctx, &keystore.Envelope{Type: signalservice.EnvelopeUnidentifiedSender, Content: sealed})
		return err
	}

	err = sealedTo(otherPub)
	if libsignal.CodeOf(err) != libsignal.ErrorCodeInvalidSenderCertificate {
		t.Errorf("foreign trust root: %v, want invalid sender certificate", err)
	}
	err = sealedTo(trustPub)
	if err == nil {
		t.Fatal("garbage content decrypted")
	}
	if libsignal.CodeOf(err) == libsignal.ErrorCodeInvalidSenderCertificate {
		t.Errorf("configured trust root rejected the certificate: %v", err)
	}
}
