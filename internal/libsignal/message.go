package libsignal

import "bytes"

// CiphertextMessage type constants.
const (
	CiphertextMessageTypeWhisper   = 2
	CiphertextMessageTypePreKey    = 3
	CiphertextMessageTypeSenderKey = 7
	CiphertextMessageTypePlaintext = 8
)

// CiphertextMessage is the output of a ratchet encrypt: a message kind plus
// its serialized body.
type CiphertextMessage struct {
	typ  uint8
	body []byte
}

// NewCiphertextMessage wraps a serialized message of the given type.
func NewCiphertextMessage(typ uint8, body []byte) *CiphertextMessage {
	return &CiphertextMessage{typ: typ, body: bytes.Clone(body)}
}

// Type returns the message type (PreKey, Whisper, etc).
func (m *CiphertextMessage) Type() uint8 {
	return m.typ
}

// Serialize returns the serialized form of the ciphertext message.
func (m *CiphertextMessage) Serialize() []byte {
	return bytes.Clone(m.body)
}
