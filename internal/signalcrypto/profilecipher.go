package signalcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Profile ciphertext is nonce (12 bytes) || AES-256-GCM(padded plaintext) || tag (16 bytes).
const (
	profileNonceSize = 12
	profileTagSize   = 16

	NamePaddedLength   = 53
	aboutPaddedLength1 = 128
	aboutPaddedLength2 = 254
	aboutPaddedLength3 = 512
	EmojiPaddedLength  = 32
)

// ProfileCipher encrypts profile fields using AES-GCM with the profile key.
type ProfileCipher struct {
	aead cipher.AEAD
}

// NewProfileCipher creates a cipher from a 32-byte profile key.
func NewProfileCipher(profileKey []byte) (*ProfileCipher, error) {
	if len(profileKey) != 32 {
		return nil, fmt.Errorf("profile key must be 32 bytes, got %d", len(profileKey))
	}
	block, err := aes.NewCipher(profileKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm: %w", err)
	}
	return &ProfileCipher{aead: aead}, nil
}

// Encrypt zero-pads input to paddedLength and seals it under a random nonce.
func (pc *ProfileCipher) Encrypt(input []byte, paddedLength int) ([]byte, error) {
	if len(input) > paddedLength {
		return nil, fmt.Errorf("profile: %d > %d bytes: %w", len(input), paddedLength, ErrInputTooLong)
	}
	padded := make([]byte, paddedLength)
	copy(padded, input)

	nonce := make([]byte, profileNonceSize, profileNonceSize+paddedLength+profileTagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return pc.aead.Seal(nonce, nonce, padded, nil), nil
}

// EncryptString encrypts a string to the specified padded length.
func (pc *ProfileCipher) EncryptString(input string, paddedLength int) ([]byte, error) {
	return pc.Encrypt([]byte(input), paddedLength)
}

// EncryptName encrypts a profile name. Names longer than NamePaddedLength
// bytes are rejected.
func (pc *ProfileCipher) EncryptName(name string) ([]byte, error) {
	return pc.EncryptString(name, NamePaddedLength)
}

// EncryptAbout encrypts the about text, padded to the smallest bucket it fits.
func (pc *ProfileCipher) EncryptAbout(about string) ([]byte, error) {
	return pc.EncryptString(about, TargetAboutLength(about))
}

// EncryptEmoji encrypts the about emoji.
func (pc *ProfileCipher) EncryptEmoji(emoji string) ([]byte, error) {
	return pc.EncryptString(emoji, EmojiPaddedLength)
}

// EncryptBoolean encrypts a boolean value.
func (pc *ProfileCipher) EncryptBoolean(value bool) ([]byte, error) {
	data := []byte{0}
	if value {
		data[0] = 1
	}
	return pc.Encrypt(data, 1)
}

// TargetAboutLength returns the padded length for about text.
func TargetAboutLength(about string) int {
	switch n := len(about); {
	case n <= aboutPaddedLength1:
		return aboutPaddedLength1
	case n < aboutPaddedLength2:
		return aboutPaddedLength2
	default:
		return aboutPaddedLength3
	}
}

// Decrypt opens data sealed by Encrypt and returns the padded plaintext.
func (pc *ProfileCipher) Decrypt(input []byte) ([]byte, error) {
	if len(input) < profileNonceSize+profileTagSize {
		return nil, fmt.Errorf("profile: ciphertext too short (%d bytes): %w", len(input), ErrInvalidCiphertext)
	}
	plaintext, err := pc.aead.Open(nil, input[:profileNonceSize], input[profileNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", ErrInvalidCiphertext)
	}
	return plaintext, nil
}

// DecryptString decrypts and strips trailing zero padding. A value that
// itself ends in zero bytes cannot be told apart from its padding.
func (pc *ProfileCipher) DecryptString(input []byte) (string, error) {
	plaintext, err := pc.Decrypt(input)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(plaintext, "\x00")), nil
}

// DecryptBoolean decrypts a value written by EncryptBoolean.
func (pc *ProfileCipher) DecryptBoolean(input []byte) (bool, error) {
	plaintext, err := pc.Decrypt(input)
	if err != nil {
		return false, err
	}
	if len(plaintext) != 1 {
		return false, fmt.Errorf("profile: boolean of %d bytes: %w", len(plaintext), ErrInvalidCiphertext)
	}
	return plaintext[0] == 1, nil
}
