package libsignal

import (
	"errors"
	"fmt"
)

// ErrorCode classifies protocol-layer failures. Backends report every
// failure as an *Error carrying one of these codes.
type ErrorCode uint32

const (
	ErrorCodeUnknown ErrorCode = iota
	ErrorCodeInvalidState
	ErrorCodeInvalidArgument
	ErrorCodeInvalidMessage
	ErrorCodeInvalidKey
	ErrorCodeInvalidKeyID
	ErrorCodeUntrustedIdentity
	ErrorCodeNoSession
	ErrorCodeDuplicatedMessage
	ErrorCodeLegacyMessage
	ErrorCodeInvalidVersion
	ErrorCodeInvalidSenderCertificate
	ErrorCodeSealedSenderSelfSend
)

var codeNames = map[ErrorCode]string{
	ErrorCodeUnknown:                  "unknown",
	ErrorCodeInvalidState:             "invalid state",
	ErrorCodeInvalidArgument:          "invalid argument",
	ErrorCodeInvalidMessage:           "invalid message",
	ErrorCodeInvalidKey:               "invalid key",
	ErrorCodeInvalidKeyID:             "invalid key id",
	ErrorCodeUntrustedIdentity:        "untrusted identity",
	ErrorCodeNoSession:                "no session",
	ErrorCodeDuplicatedMessage:        "duplicated message",
	ErrorCodeLegacyMessage:            "legacy message",
	ErrorCodeInvalidVersion:           "invalid version",
	ErrorCodeInvalidSenderCertificate: "invalid sender certificate",
	ErrorCodeSealedSenderSelfSend:     "sealed sender self send",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", uint32(c))
}

// Error represents a failure reported by the protocol layer.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("libsignal error %d (%s): %s", e.Code, e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorCodeUnknown if there is none.
func CodeOf(err error) ErrorCode {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return ErrorCodeUnknown
}
