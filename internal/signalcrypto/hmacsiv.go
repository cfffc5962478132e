package signalcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

const (
	sivIVSize    = 16
	sivValueSize = 32
	// SIVCiphertextSize is the length of an HMAC-SIV ciphertext.
	SIVCiphertextSize = sivIVSize + sivValueSize
)

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func sivKeys(key []byte) (authKey, encKey []byte, err error) {
	if len(key) != 32 {
		return nil, nil, fmt.Errorf("hmac-siv: key must be 32 bytes, got %d", len(key))
	}
	return hmacSHA256(key, []byte("auth")), hmacSHA256(key, []byte("enc")), nil
}

func xor32(a, b []byte) []byte {
	out := make([]byte, sivValueSize)
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// SIVEncrypt deterministically encrypts a 32-byte value under a 32-byte
// key. The output is a 16-byte synthetic IV followed by 32 bytes of
// ciphertext; equal inputs give equal outputs.
func SIVEncrypt(key, value []byte) ([]byte, error) {
	if len(value) != sivValueSize {
		return nil, fmt.Errorf("hmac-siv: value must be %d bytes, got %d", sivValueSize, len(value))
	}
	authKey, encKey, err := sivKeys(key)
	if err != nil {
		return nil, err
	}
	iv := hmacSHA256(authKey, value)[:sivIVSize]
	ct := xor32(hmacSHA256(encKey, iv), value)
	return append(iv, ct...), nil
}

// SIVDecrypt reverses SIVEncrypt. A wrong key or any modification fails
// with ErrInvalidCiphertext.
func SIVDecrypt(key, data []byte) ([]byte, error) {
	if len(data) != SIVCiphertextSize {
		return nil, fmt.Errorf("hmac-siv: ciphertext must be %d bytes, got %d: %w", SIVCiphertextSize, len(data), ErrInvalidCiphertext)
	}
	authKey, encKey, err := sivKeys(key)
	if err != nil {
		return nil, err
	}
	iv := data[:sivIVSize]
	value := xor32(hmacSHA256(encKey, iv), data[sivIVSize:])
	if !hmac.Equal(hmacSHA256(authKey, value)[:sivIVSize], iv) {
		return nil, ErrInvalidCiphertext
	}
	return value, nil
}
