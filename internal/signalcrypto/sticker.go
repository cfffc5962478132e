package signalcrypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// StickerKey expands a 32-byte sticker pack key into the 64-byte key that
// encrypts the pack's manifest and stickers.
func StickerKey(packKey []byte) ([]byte, error) {
	if len(packKey) != 32 {
		return nil, fmt.Errorf("sticker: pack key must be 32 bytes, got %d", len(packKey))
	}
	key := make([]byte, AttachmentKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, packKey, nil, []byte("Sticker Pack")), key); err != nil {
		return nil, fmt.Errorf("sticker: derive key: %w", err)
	}
	return key, nil
}

// DecryptSticker decrypts sticker pack data. Sticker streams carry no
// out-of-band digest.
func DecryptSticker(data, packKey []byte) ([]byte, error) {
	key, err := StickerKey(packKey)
	if err != nil {
		return nil, err
	}
	return DecryptAttachment(data, key, nil)
}

// EncryptSticker encrypts sticker pack data under packKey.
func EncryptSticker(plaintext, packKey []byte) ([]byte, error) {
	key, err := StickerKey(packKey)
	if err != nil {
		return nil, err
	}
	ct, _, err := EncryptAttachment(plaintext, key)
	return ct, err
}
