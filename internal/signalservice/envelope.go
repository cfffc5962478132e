package signalservice

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/wire"
)

// EnvelopeType is the server-side type of an envelope. The numbering
// differs from libsignal's CiphertextMessage types.
type EnvelopeType uint32

const (
	EnvelopeUnknown            EnvelopeType = 0
	EnvelopeCiphertext         EnvelopeType = 1
	EnvelopeKeyExchange        EnvelopeType = 2
	EnvelopePrekeyBundle       EnvelopeType = 3
	EnvelopeReceipt            EnvelopeType = 5
	EnvelopeUnidentifiedSender EnvelopeType = 6
	EnvelopeSenderKeyMessage   EnvelopeType = 7
	EnvelopePlaintextContent   EnvelopeType = 8
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeCiphertext:
		return "CIPHERTEXT"
	case EnvelopeKeyExchange:
		return "KEY_EXCHANGE"
	case EnvelopePrekeyBundle:
		return "PREKEY_BUNDLE"
	case EnvelopeReceipt:
		return "RECEIPT"
	case EnvelopeUnidentifiedSender:
		return "UNIDENTIFIED_SENDER"
	case EnvelopeSenderKeyMessage:
		return "SENDERKEY_MESSAGE"
	case EnvelopePlaintextContent:
		return "PLAINTEXT_CONTENT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// envelopeTypeForCiphertext maps libsignal CiphertextMessage types to
// envelope types:
//
//	libsignal Whisper (2)   → Envelope CIPHERTEXT (1)
//	libsignal PreKey  (3)   → Envelope PREKEY_BUNDLE (3)
//	libsignal SenderKey (7) → Envelope SENDERKEY_MESSAGE (7)
//	libsignal Plaintext (8) → Envelope PLAINTEXT_CONTENT (8)
func envelopeTypeForCiphertext(ciphertextType uint8) (EnvelopeType, bool) {
	switch ciphertextType {
	case libsignal.CiphertextMessageTypeWhisper:
		return EnvelopeCiphertext, true
	case libsignal.CiphertextMessageTypePreKey:
		return EnvelopePrekeyBundle, true
	case libsignal.CiphertextMessageTypeSenderKey:
		return EnvelopeSenderKeyMessage, true
	case libsignal.CiphertextMessageTypePlaintext:
		return EnvelopePlaintextContent, true
	}
	return EnvelopeUnknown, false
}

// Envelope is a message as delivered by the service.
type Envelope struct {
	Type                 EnvelopeType
	SourceServiceID      string
	SourceDevice         uint32
	DestinationServiceID string
	Timestamp            uint64
	Content              []byte
	ServerGUID           string
	ServerTimestamp      uint64
	Urgent               bool
	Story                bool
}

// Envelope field numbers.
const (
	envType                 protowire.Number = 1
	envTimestamp            protowire.Number = 5
	envSourceDevice         protowire.Number = 7
	envContent              protowire.Number = 8
	envServerGUID           protowire.Number = 9
	envServerTimestamp      protowire.Number = 10
	envSourceServiceID      protowire.Number = 11
	envDestinationServiceID protowire.Number = 13
	envUrgent               protowire.Number = 14
	envStory                protowire.Number = 16
)

// HasSource reports whether the envelope names its sender.
func (e *Envelope) HasSource() bool {
	return e.SourceServiceID != ""
}

// Marshal encodes the envelope in protobuf wire format.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, envType, uint64(e.Type))
	b = wire.AppendVarint(b, envTimestamp, e.Timestamp)
	b = wire.AppendVarint(b, envSourceDevice, uint64(e.SourceDevice))
	b = wire.AppendBytes(b, envContent, e.Content)
	b = wire.AppendString(b, envServerGUID, e.ServerGUID)
	b = wire.AppendVarint(b, envServerTimestamp, e.ServerTimestamp)
	b = wire.AppendString(b, envSourceServiceID, e.SourceServiceID)
	b = wire.AppendString(b, envDestinationServiceID, e.DestinationServiceID)
	b = wire.AppendBool(b, envUrgent, e.Urgent)
	b = wire.AppendBool(b, envStory, e.Story)
	return b
}

// ParseEnvelope decodes an envelope. Unknown fields are ignored.
func ParseEnvelope(data []byte) (*Envelope, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	e := &Envelope{}
	for _, f := range fields {
		switch f.Num {
		case envType:
			e.Type = EnvelopeType(f.Varint)
		case envTimestamp:
			e.Timestamp = f.Varint
		case envSourceDevice:
			e.SourceDevice = uint32(f.Varint)
		case envContent:
			e.Content = f.Bytes
		case envServerGUID:
			e.ServerGUID = string(f.Bytes)
		case envServerTimestamp:
			e.ServerTimestamp = f.Varint
		case envSourceServiceID:
			e.SourceServiceID = string(f.Bytes)
		case envDestinationServiceID:
			e.DestinationServiceID = string(f.Bytes)
		case envUrgent:
			e.Urgent = f.Varint != 0
		case envStory:
			e.Story = f.Varint != 0
		}
	}
	return e, nil
}
