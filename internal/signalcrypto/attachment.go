package signalcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
)

// Attachment streams are IV (16 bytes) || AES-256-CBC ciphertext || HMAC-SHA256 (32 bytes).
// The MAC covers IV and ciphertext. The digest is SHA-256 over the whole stream.
const (
	AttachmentKeySize = 64
	attachmentIVSize  = aes.BlockSize
	attachmentMacSize = sha256.Size

	// minimum stream: IV, one padding block, MAC
	minAttachmentSize = attachmentIVSize + aes.BlockSize + attachmentMacSize

	decryptChunkSize = 64 * aes.BlockSize
)

func splitAttachmentKey(key []byte) (cipher.Block, []byte, error) {
	if len(key) != AttachmentKeySize {
		return nil, nil, fmt.Errorf("attachment: key must be %d bytes, got %d", AttachmentKeySize, len(key))
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("attachment: create cipher: %w", err)
	}
	return block, key[32:], nil
}

// AttachmentCiphertextLength returns the stream length for a plaintext of n bytes.
func AttachmentCiphertextLength(n int64) int64 {
	return attachmentIVSize + (n/aes.BlockSize+1)*aes.BlockSize + attachmentMacSize
}

// AttachmentWriter encrypts an attachment into an underlying writer.
// Close must be called to write the final block and the MAC.
type AttachmentWriter struct {
	w       io.Writer
	mode    cipher.BlockMode
	mac     hash.Hash
	digest  hash.Hash
	pending []byte
	sum     []byte
	err     error
}

// NewAttachmentWriter writes a random IV to w and returns a writer that
// encrypts into it.
func NewAttachmentWriter(w io.Writer, key []byte) (*AttachmentWriter, error) {
	iv := make([]byte, attachmentIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("attachment: generate iv: %w", err)
	}
	return newAttachmentWriter(w, key, iv)
}

func newAttachmentWriter(w io.Writer, key, iv []byte) (*AttachmentWriter, error) {
	block, macKey, err := splitAttachmentKey(key)
	if err != nil {
		return nil, err
	}
	aw := &AttachmentWriter{
		w:      w,
		mode:   cipher.NewCBCEncrypter(block, iv),
		mac:    hmac.New(sha256.New, macKey),
		digest: sha256.New(),
	}
	if err := aw.emit(iv); err != nil {
		return nil, err
	}
	return aw, nil
}

func (aw *AttachmentWriter) emit(b []byte) error {
	if _, err := aw.w.Write(b); err != nil {
		aw.err = fmt.Errorf("attachment: write: %w", err)
		return aw.err
	}
	aw.mac.Write(b)
	aw.digest.Write(b)
	return nil
}

// Write encrypts every complete block and buffers the remainder.
func (aw *AttachmentWriter) Write(p []byte) (int, error) {
	if aw.err != nil {
		return 0, aw.err
	}
	if aw.sum != nil {
		return 0, errors.New("attachment: write after close")
	}
	aw.pending = append(aw.pending, p...)
	full := len(aw.pending) - len(aw.pending)%aes.BlockSize
	if full == 0 {
		return len(p), nil
	}
	ct := make([]byte, full)
	aw.mode.CryptBlocks(ct, aw.pending[:full])
	aw.pending = append(aw.pending[:0], aw.pending[full:]...)
	if err := aw.emit(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close pads and encrypts the final block, then writes the MAC. It does
// not close the underlying writer.
func (aw *AttachmentWriter) Close() error {
	if aw.err != nil {
		return aw.err
	}
	if aw.sum != nil {
		return nil
	}
	last := pkcs7Pad(aw.pending)
	aw.mode.CryptBlocks(last, last)
	aw.pending = nil
	if err := aw.emit(last); err != nil {
		return err
	}
	mac := aw.mac.Sum(nil)
	if _, err := aw.w.Write(mac); err != nil {
		aw.err = fmt.Errorf("attachment: write mac: %w", err)
		return aw.err
	}
	aw.digest.Write(mac)
	aw.sum = aw.digest.Sum(nil)
	return nil
}

// Digest returns the SHA-256 digest of everything written. It is nil until
// Close succeeds.
func (aw *AttachmentWriter) Digest() []byte {
	return aw.sum
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// EncryptAttachment encrypts plaintext in memory and returns the stream and
// its digest.
func EncryptAttachment(plaintext, key []byte) (ciphertext, digest []byte, err error) {
	var buf bytes.Buffer
	aw, err := NewAttachmentWriter(&buf, key)
	if err != nil {
		return nil, nil, err
	}
	if _, err := aw.Write(plaintext); err != nil {
		return nil, nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), aw.Digest(), nil
}

// AttachmentReader decrypts a verified attachment stream.
type AttachmentReader struct {
	src       io.Reader
	mode      cipher.BlockMode
	remaining int64
	buf       []byte
	err       error
}

// NewAttachmentReader verifies the MAC of the size-byte stream in src and,
// when digest is non-empty, its SHA-256 digest. The whole stream is read
// once for verification before any plaintext is produced; the returned
// reader then decrypts it. Padding added with NewPaddingReader is not
// removed; limit the reader to the known plaintext length for that.
func NewAttachmentReader(src io.ReaderAt, size int64, key, digest []byte) (*AttachmentReader, error) {
	block, macKey, err := splitAttachmentKey(key)
	if err != nil {
		return nil, err
	}
	if size < minAttachmentSize || (size-attachmentIVSize-attachmentMacSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("attachment: bad stream length %d: %w", size, ErrInvalidCiphertext)
	}

	if err := verifyAttachment(src, size, macKey, digest); err != nil {
		return nil, err
	}

	iv := make([]byte, attachmentIVSize)
	if _, err := src.ReadAt(iv, 0); err != nil {
		return nil, fmt.Errorf("attachment: read iv: %w", err)
	}
	ctLen := size - attachmentIVSize - attachmentMacSize
	return &AttachmentReader{
		src:       io.NewSectionReader(src, attachmentIVSize, ctLen),
		mode:      cipher.NewCBCDecrypter(block, iv),
		remaining: ctLen,
	}, nil
}

func verifyAttachment(src io.ReaderAt, size int64, macKey, digest []byte) error {
	mac := hmac.New(sha256.New, macKey)
	sum := sha256.New()
	body := io.NewSectionReader(src, 0, size-attachmentMacSize)
	if _, err := io.Copy(io.MultiWriter(mac, sum), body); err != nil {
		return fmt.Errorf("attachment: read: %w", err)
	}
	theirMac := make([]byte, attachmentMacSize)
	if _, err := src.ReadAt(theirMac, size-attachmentMacSize); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("attachment: read mac: %w", err)
	}
	if !hmac.Equal(mac.Sum(nil), theirMac) {
		return ErrInvalidMac
	}
	if len(digest) == 0 {
		return nil
	}
	sum.Write(theirMac)
	if !hmac.Equal(sum.Sum(nil), digest) {
		return ErrInvalidDigest
	}
	return nil
}

func (r *AttachmentReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *AttachmentReader) fill() {
	if r.remaining == 0 {
		r.err = io.EOF
		return
	}
	n := min(r.remaining, decryptChunkSize)
	chunk := make([]byte, n)
	if _, err := io.ReadFull(r.src, chunk); err != nil {
		r.err = fmt.Errorf("attachment: read: %w", err)
		return
	}
	r.remaining -= n
	r.mode.CryptBlocks(chunk, chunk)
	if r.remaining == 0 {
		unpadded, err := pkcs7Unpad(chunk)
		if err != nil {
			r.err = err
			return
		}
		chunk = unpadded
	}
	r.buf = chunk
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("attachment: unaligned plaintext: %w", ErrInvalidCiphertext)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, fmt.Errorf("attachment: bad padding: %w", ErrInvalidCiphertext)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("attachment: bad padding: %w", ErrInvalidCiphertext)
		}
	}
	return b[:len(b)-n], nil
}

// DecryptAttachment verifies and decrypts an in-memory attachment stream.
// digest may be nil to skip the digest check.
func DecryptAttachment(data, key, digest []byte) ([]byte, error) {
	r, err := NewAttachmentReader(bytes.NewReader(data), int64(len(data)), key, digest)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
