package libsignal

import "bytes"

// SenderKeyRecord is the serialized group ratchet state for one
// (sender, distribution) pair. Its contents belong to the protocol backend.
type SenderKeyRecord struct {
	data []byte
}

// NewSenderKeyRecord wraps backend state.
func NewSenderKeyRecord(data []byte) *SenderKeyRecord {
	return &SenderKeyRecord{data: bytes.Clone(data)}
}

// Serialize returns the serialized form of the sender key record.
func (r *SenderKeyRecord) Serialize() []byte {
	return bytes.Clone(r.data)
}

// DeserializeSenderKeyRecord reconstructs a sender key record from bytes.
func DeserializeSenderKeyRecord(data []byte) (*SenderKeyRecord, error) {
	if len(data) == 0 {
		return nil, Errorf(ErrorCodeInvalidState, "empty sender key record")
	}
	return NewSenderKeyRecord(data), nil
}
