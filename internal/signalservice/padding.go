package signalservice

const paddingBlockSize = 80

// padMessage adds transport padding to a content body before encryption.
// Format: [content] [0x80] [0x00...] up to one byte short of an 80-byte
// block boundary; the missing byte leaves room for the cipher's own padding.
func padMessage(messageBody []byte) []byte {
	paddedLen := paddedMessageLength(len(messageBody)+1) - 1
	padded := make([]byte, paddedLen)
	copy(padded, messageBody)
	padded[len(messageBody)] = 0x80
	return padded
}

func paddedMessageLength(messageLength int) int {
	withTerminator := messageLength + 1
	parts := withTerminator / paddingBlockSize
	if withTerminator%paddingBlockSize != 0 {
		parts++
	}
	return parts * paddingBlockSize
}

// stripPadding removes transport padding from decrypted plaintext.
// Data without a 0x80 terminator after its trailing zeros is returned as-is.
func stripPadding(data []byte) []byte {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] == 0x80 {
			return data[:i]
		}
		if data[i] != 0x00 {
			break
		}
	}
	return data
}
