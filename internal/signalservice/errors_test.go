package signalservice

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/protocolstore"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"untrusted", libsignal.Errorf(libsignal.ErrorCodeUntrustedIdentity, "x"), ErrorKindUntrustedIdentity},
		{"no session", libsignal.Errorf(libsignal.ErrorCodeNoSession, "x"), ErrorKindNoSession},
		{"duplicate", libsignal.Errorf(libsignal.ErrorCodeDuplicatedMessage, "x"), ErrorKindDuplicateMessage},
		{"legacy", libsignal.Errorf(libsignal.ErrorCodeLegacyMessage, "x"), ErrorKindLegacyMessage},
		{"invalid key id", libsignal.Errorf(libsignal.ErrorCodeInvalidKeyID, "x"), ErrorKindInvalidKeyID},
		{"certificate", libsignal.Errorf(libsignal.ErrorCodeInvalidSenderCertificate, "x"), ErrorKindInvalidMetadata},
		{"self send", libsignal.Errorf(libsignal.ErrorCodeSealedSenderSelfSend, "x"), ErrorKindSelfSend},
		{"wrapped", fmt.Errorf("store: %w", libsignal.Errorf(libsignal.ErrorCodeInvalidVersion, "x")), ErrorKindInvalidVersion},
		{"missing session", &protocolstore.NoSessionError{}, ErrorKindNoSession},
		{"context", context.Canceled, ErrorKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate(tt.err, "alice", 2)
			pe := AsProtocolError(err)
			if pe == nil {
				t.Fatalf("translate returned %T", err)
			}
			if pe.Kind != tt.want {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.want)
			}
			if pe.Sender != "alice" || pe.SenderDevice != 2 {
				t.Errorf("sender = %s.%d", pe.Sender, pe.SenderDevice)
			}
			if !errors.Is(err, tt.err) {
				t.Error("original error not wrapped")
			}
		})
	}

	if translate(nil, "alice", 1) != nil {
		t.Error("translate(nil) != nil")
	}
}

func TestTranslateKeepsKind(t *testing.T) {
	orig := newError(ErrorKindSelfSend, "from us")
	err := translate(orig, "bob", 1)
	pe := AsProtocolError(err)
	if pe != orig {
		t.Fatal("existing ProtocolError was replaced")
	}
	if pe.Sender != "bob" || pe.SenderDevice != 1 {
		t.Errorf("sender = %s.%d", pe.Sender, pe.SenderDevice)
	}

	pe.Sender = "carol"
	translate(pe, "bob", 1)
	if pe.Sender != "carol" {
		t.Errorf("known sender overwritten with %s", pe.Sender)
	}
}

func TestResultLabel(t *testing.T) {
	if got := resultLabel(nil); got != "ok" {
		t.Errorf("resultLabel(nil) = %q", got)
	}
	if got := resultLabel(newError(ErrorKindUnsupportedMessageType, "x")); got != "unsupported_message_type" {
		t.Errorf("label = %q", got)
	}
	if got := resultLabel(errors.New("boom")); got != "internal" {
		t.Errorf("label = %q", got)
	}
}
