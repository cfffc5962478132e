package signalservice

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/signal-keystore/internal/wire"
)

// Content is the decrypted payload of an envelope. Only the fields this
// package acts on are decoded; the rest stay available in Raw.
type Content struct {
	DataMessage                  *DataMessage
	SyncMessage                  []byte
	ReceiptMessage               []byte
	TypingMessage                []byte
	SenderKeyDistributionMessage []byte
	DecryptionErrorMessage       []byte
	PniSignatureMessage          []byte

	Raw []byte
}

// DataMessage is the subset of a data message used here.
type DataMessage struct {
	Body       string
	ProfileKey []byte
	Timestamp  uint64
}

// Content field numbers.
const (
	contentDataMessage                  protowire.Number = 1
	contentSyncMessage                  protowire.Number = 2
	contentReceiptMessage               protowire.Number = 5
	contentTypingMessage                protowire.Number = 6
	contentSenderKeyDistributionMessage protowire.Number = 7
	contentDecryptionErrorMessage       protowire.Number = 8
	contentPniSignatureMessage          protowire.Number = 10
)

// DataMessage field numbers.
const (
	dataBody       protowire.Number = 1
	dataProfileKey protowire.Number = 6
	dataTimestamp  protowire.Number = 7
)

// Marshal encodes the content in protobuf wire format. Raw is ignored.
func (c *Content) Marshal() []byte {
	var b []byte
	if c.DataMessage != nil {
		var dm []byte
		dm = wire.AppendString(dm, dataBody, c.DataMessage.Body)
		dm = wire.AppendBytes(dm, dataProfileKey, c.DataMessage.ProfileKey)
		dm = wire.AppendVarint(dm, dataTimestamp, c.DataMessage.Timestamp)
		b = wire.AppendMessage(b, contentDataMessage, dm)
	}
	b = wire.AppendBytes(b, contentSyncMessage, c.SyncMessage)
	b = wire.AppendBytes(b, contentReceiptMessage, c.ReceiptMessage)
	b = wire.AppendBytes(b, contentTypingMessage, c.TypingMessage)
	b = wire.AppendBytes(b, contentSenderKeyDistributionMessage, c.SenderKeyDistributionMessage)
	b = wire.AppendBytes(b, contentDecryptionErrorMessage, c.DecryptionErrorMessage)
	b = wire.AppendBytes(b, contentPniSignatureMessage, c.PniSignatureMessage)
	return b
}

// ParseContent decodes decrypted, unpadded content.
func ParseContent(data []byte) (*Content, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}
	c := &Content{Raw: data}
	for _, f := range fields {
		if f.Type != protowire.BytesType {
			continue
		}
		switch f.Num {
		case contentDataMessage:
			dm, err := parseDataMessage(f.Bytes)
			if err != nil {
				return nil, err
			}
			c.DataMessage = dm
		case contentSyncMessage:
			c.SyncMessage = f.Bytes
		case contentReceiptMessage:
			c.ReceiptMessage = f.Bytes
		case contentTypingMessage:
			c.TypingMessage = f.Bytes
		case contentSenderKeyDistributionMessage:
			c.SenderKeyDistributionMessage = f.Bytes
		case contentDecryptionErrorMessage:
			c.DecryptionErrorMessage = f.Bytes
		case contentPniSignatureMessage:
			c.PniSignatureMessage = f.Bytes
		}
	}
	return c, nil
}

func parseDataMessage(data []byte) (*DataMessage, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse data message: %w", err)
	}
	dm := &DataMessage{}
	for _, f := range fields {
		switch f.Num {
		case dataBody:
			dm.Body = string(f.Bytes)
		case dataProfileKey:
			dm.ProfileKey = f.Bytes
		case dataTimestamp:
			dm.Timestamp = f.Varint
		}
	}
	return dm, nil
}
