package libsignal

import "context"

// Protocol is the ratchet library. It owns the cryptographic primitives of
// the double ratchet, sealed sender and sender keys, and reads and writes
// state only through the store interfaces it is handed. Implementations
// report failures as *Error.
type Protocol interface {
	// ProcessPreKeyBundle establishes a session using a pre-key bundle.
	ProcessPreKeyBundle(ctx context.Context, bundle *PreKeyBundle, address Address, sessions SessionStore, identities IdentityKeyStore) error
	// Encrypt encrypts plaintext for the given address.
	Encrypt(ctx context.Context, plaintext []byte, address Address, sessions SessionStore, identities IdentityKeyStore) (*CiphertextMessage, error)
	// DecryptPreKeyMessage decrypts the first message of a session.
	DecryptPreKeyMessage(ctx context.Context, message []byte, address Address, store ProtocolStore) ([]byte, error)
	// DecryptMessage decrypts an ordinary ratchet message.
	DecryptMessage(ctx context.Context, message []byte, address Address, sessions SessionStore, identities IdentityKeyStore) ([]byte, error)

	// SealedSenderEncrypt wraps content for destination so that only the
	// recipient learns who sent it.
	SealedSenderEncrypt(ctx context.Context, destination Address, content *UnidentifiedSenderMessageContent, identities IdentityKeyStore) ([]byte, error)
	// SealedSenderDecryptToUSMC removes the outer sealed sender layer.
	SealedSenderDecryptToUSMC(ctx context.Context, ciphertext []byte, identities IdentityKeyStore) (*UnidentifiedSenderMessageContent, error)

	// CreateSenderKeyDistributionMessage returns the message that lets group
	// members decrypt sender's messages for distributionID, creating the
	// sender key if needed.
	CreateSenderKeyDistributionMessage(ctx context.Context, sender Address, distributionID DistributionID, store SenderKeyStore) ([]byte, error)
	// ProcessSenderKeyDistributionMessage installs a peer's sender key.
	ProcessSenderKeyDistributionMessage(ctx context.Context, sender Address, message []byte, store SenderKeyStore) (DistributionID, error)
	// GroupEncrypt encrypts with the local sender key for distributionID.
	GroupEncrypt(ctx context.Context, sender Address, distributionID DistributionID, plaintext []byte, store SenderKeyStore) (*CiphertextMessage, error)
	// GroupDecrypt decrypts a sender-key message from sender.
	GroupDecrypt(ctx context.Context, message []byte, sender Address, store SenderKeyStore) ([]byte, error)
}
