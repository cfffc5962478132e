package signalservice

import (
	"errors"
	"fmt"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/protocolstore"
)

// ErrorKind classifies a failed encrypt or decrypt.
type ErrorKind int

const (
	ErrorKindInternal ErrorKind = iota
	ErrorKindUntrustedIdentity
	ErrorKindNoSession
	ErrorKindInvalidMessage
	ErrorKindInvalidKey
	ErrorKindInvalidKeyID
	ErrorKindDuplicateMessage
	ErrorKindLegacyMessage
	ErrorKindInvalidVersion
	ErrorKindInvalidMetadata
	ErrorKindInvalidEnvelope
	ErrorKindSelfSend
	ErrorKindUnsupportedMessageType
)

var kindNames = map[ErrorKind]string{
	ErrorKindInternal:               "internal",
	ErrorKindUntrustedIdentity:      "untrusted identity",
	ErrorKindNoSession:              "no session",
	ErrorKindInvalidMessage:         "invalid message",
	ErrorKindInvalidKey:             "invalid key",
	ErrorKindInvalidKeyID:           "invalid key id",
	ErrorKindDuplicateMessage:       "duplicate message",
	ErrorKindLegacyMessage:          "legacy message",
	ErrorKindInvalidVersion:         "invalid version",
	ErrorKindInvalidMetadata:        "invalid metadata",
	ErrorKindInvalidEnvelope:        "invalid envelope",
	ErrorKindSelfSend:               "self send",
	ErrorKindUnsupportedMessageType: "unsupported message type",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ProtocolError is the only error type Cipher returns. Sender and
// SenderDevice are set when the sender is known.
type ProtocolError struct {
	Kind         ErrorKind
	Sender       string
	SenderDevice uint32
	Err          error
}

func (e *ProtocolError) Error() string {
	msg := "cipher: " + e.Kind.String()
	if e.Sender != "" {
		msg += fmt.Sprintf(" from %s.%d", e.Sender, e.SenderDevice)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AsProtocolError returns the *ProtocolError in err's chain, or nil.
func AsProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

var codeKinds = map[libsignal.ErrorCode]ErrorKind{
	libsignal.ErrorCodeUntrustedIdentity:        ErrorKindUntrustedIdentity,
	libsignal.ErrorCodeNoSession:                ErrorKindNoSession,
	libsignal.ErrorCodeInvalidMessage:           ErrorKindInvalidMessage,
	libsignal.ErrorCodeInvalidState:             ErrorKindInvalidMessage,
	libsignal.ErrorCodeInvalidArgument:          ErrorKindInvalidMessage,
	libsignal.ErrorCodeInvalidKey:               ErrorKindInvalidKey,
	libsignal.ErrorCodeInvalidKeyID:             ErrorKindInvalidKeyID,
	libsignal.ErrorCodeDuplicatedMessage:        ErrorKindDuplicateMessage,
	libsignal.ErrorCodeLegacyMessage:            ErrorKindLegacyMessage,
	libsignal.ErrorCodeInvalidVersion:           ErrorKindInvalidVersion,
	libsignal.ErrorCodeInvalidSenderCertificate: ErrorKindInvalidMetadata,
	libsignal.ErrorCodeSealedSenderSelfSend:     ErrorKindSelfSend,
}

// translate wraps err as a *ProtocolError, classifying backend and store
// failures. An existing *ProtocolError gets the sender filled in.
func translate(err error, sender string, device uint32) error {
	if err == nil {
		return nil
	}
	if pe := AsProtocolError(err); pe != nil {
		if pe.Sender == "" {
			pe.Sender, pe.SenderDevice = sender, device
		}
		return pe
	}
	kind := ErrorKindInternal
	var lerr *libsignal.Error
	var nse *protocolstore.NoSessionError
	switch {
	case errors.As(err, &lerr):
		kind = ErrorKindInvalidMessage
		if k, ok := codeKinds[lerr.Code]; ok {
			kind = k
		}
	case errors.As(err, &nse):
		kind = ErrorKindNoSession
	}
	return &ProtocolError{Kind: kind, Sender: sender, SenderDevice: device, Err: err}
}

func newError(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
