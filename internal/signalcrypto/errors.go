// Package signalcrypto implements the fixed-format ciphers used for
// attachments, stickers, profile fields and HMAC-SIV wrapped secrets.
//
// None of the formats carry a version byte.
package signalcrypto

import "errors"

var (
	// ErrInvalidMac means the attachment MAC did not match. The data is
	// corrupt, tampered with, or the key is wrong.
	ErrInvalidMac = errors.New("signalcrypto: invalid mac")
	// ErrInvalidDigest means the attachment MAC was valid but the stream
	// digest did not match the expected one.
	ErrInvalidDigest = errors.New("signalcrypto: invalid digest")
	// ErrInvalidCiphertext means the ciphertext has the wrong shape or
	// failed authentication.
	ErrInvalidCiphertext = errors.New("signalcrypto: invalid ciphertext")
	// ErrInputTooLong means a plaintext does not fit its padded length.
	ErrInputTooLong = errors.New("signalcrypto: input too long")
)
