// Package signalservice encrypts outgoing content and decrypts incoming
// envelopes on top of the protocol stores.
package signalservice

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/protocolstore"
)

// UnidentifiedAccess is the material needed to send with sealed sender.
type UnidentifiedAccess struct {
	SenderCertificate *libsignal.SenderCertificate
	ContentHint       uint32
	GroupID           []byte
}

// OutgoingMessage is one encrypted message for one destination device.
type OutgoingMessage struct {
	Type                      EnvelopeType
	DestinationDeviceID       uint32
	DestinationRegistrationID uint32
	Content                   string // base64
}

// Metadata describes the sender of a decrypted envelope. For sealed sender
// envelopes it comes from the validated sender certificate.
type Metadata struct {
	Sender          string
	SenderDevice    uint32
	SenderE164      string
	Destination     string
	Timestamp       time.Time
	ServerTimestamp time.Time
	ServerGUID      string
	SealedSender    bool
	ContentHint     uint32
	GroupID         []byte
}

// Cipher encrypts and decrypts for one local account. Every operation runs
// under the session lock and inside one storage transaction, so a failed
// decrypt leaves no partial session or identity changes behind.
type Cipher struct {
	stores    *protocolstore.Stores
	account   *protocolstore.AccountStore
	protocol  libsignal.Protocol
	validator libsignal.CertificateValidator
	now       func() time.Time
	logger    *log.Logger
	metrics   *Metrics
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithLogger sets a logger. Nil disables logging.
func WithLogger(l *log.Logger) Option {
	return func(c *Cipher) { c.logger = l }
}

// WithCertificateValidator sets the sealed sender certificate validator.
// Without one, sealed sender envelopes are rejected.
func WithCertificateValidator(v libsignal.CertificateValidator) Option {
	return func(c *Cipher) { c.validator = v }
}

// WithClock replaces time.Now for certificate validation of envelopes
// without a server timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Cipher) { c.now = now }
}

// WithMetrics sets the counters the cipher reports to.
func WithMetrics(m *Metrics) Option {
	return func(c *Cipher) { c.metrics = m }
}

// NewCipher returns a cipher for the local account identified by account,
// which must be the ACI or PNI of stores.
func NewCipher(stores *protocolstore.Stores, account libsignal.ServiceID, protocol libsignal.Protocol, opts ...Option) (*Cipher, error) {
	acct := stores.For(account)
	if acct == nil {
		return nil, fmt.Errorf("cipher: %s is not a local account", account)
	}
	c := &Cipher{
		stores:   stores,
		account:  acct,
		protocol: protocol,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cipher) localAddress() libsignal.Address {
	return libsignal.NewAddress(c.stores.Account.ACI.String(), c.stores.Account.DeviceID)
}

// run executes fn under the session lock, inside a transaction.
func (c *Cipher) run(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, release := c.stores.SessionLock.Acquire(ctx)
	defer release()
	return c.stores.Storage.InTransaction(ctx, fn)
}

// ProcessPreKeyBundle establishes a session with address from its bundle.
func (c *Cipher) ProcessPreKeyBundle(ctx context.Context, address libsignal.Address, bundle *libsignal.PreKeyBundle) error {
	err := c.run(ctx, func(ctx context.Context) error {
		return c.protocol.ProcessPreKeyBundle(ctx, bundle, address, c.account, c.account)
	})
	return translate(err, address.Name, address.DeviceID)
}

// Encrypt pads plaintext and encrypts it for destination. With access it
// is wrapped in sealed sender; otherwise the envelope type follows the
// ratchet message type.
func (c *Cipher) Encrypt(ctx context.Context, destination libsignal.Address, access *UnidentifiedAccess, plaintext []byte) (*OutgoingMessage, error) {
	var out *OutgoingMessage
	err := c.run(ctx, func(ctx context.Context) error {
		if access != nil && access.SenderCertificate == nil {
			return newError(ErrorKindInvalidMetadata, "sealed sender without a sender certificate")
		}
		msg, err := c.protocol.Encrypt(ctx, padMessage(plaintext), destination, c.account, c.account)
		if err != nil {
			return err
		}
		rec, err := c.account.LoadSession(ctx, destination)
		if err != nil {
			return err
		}
		regID, err := rec.RemoteRegistrationID()
		if err != nil {
			return err
		}
		out = &OutgoingMessage{DestinationDeviceID: destination.DeviceID, DestinationRegistrationID: regID}

		if access != nil {
			usmc := &libsignal.UnidentifiedSenderMessageContent{
				MsgType:     msg.Type(),
				Contents:    msg.Serialize(),
				SenderCert:  access.SenderCertificate,
				ContentHint: access.ContentHint,
				GroupID:     access.GroupID,
			}
			sealed, err := c.protocol.SealedSenderEncrypt(ctx, destination, usmc, c.account)
			if err != nil {
				return err
			}
			out.Type = EnvelopeUnidentifiedSender
			out.Content = base64.StdEncoding.EncodeToString(sealed)
			return nil
		}

		switch msg.Type() {
		case libsignal.CiphertextMessageTypeWhisper, libsignal.CiphertextMessageTypePreKey:
			out.Type, _ = envelopeTypeForCiphertext(msg.Type())
		default:
			return newError(ErrorKindInternal, "unexpected ratchet message type %d", msg.Type())
		}
		out.Content = base64.StdEncoding.EncodeToString(msg.Serialize())
		return nil
	})
	if err != nil {
		err = translate(err, destination.Name, destination.DeviceID)
		c.metrics.encrypted(EnvelopeUnknown, err)
		return nil, err
	}
	logf(c.logger, "cipher: encrypted %s for %s (%d bytes)", out.Type, destination, len(plaintext))
	c.metrics.encrypted(out.Type, nil)
	return out, nil
}

// Decrypt decrypts an envelope and returns its content with transport
// padding removed. Sender key distribution messages found in the content
// are installed before returning.
func (c *Cipher) Decrypt(ctx context.Context, env *Envelope) (*Content, *Metadata, error) {
	content, meta, err := c.decrypt(ctx, env)
	if err != nil {
		var sender string
		var device uint32
		if meta != nil {
			sender, device = meta.Sender, meta.SenderDevice
		}
		err = translate(err, sender, device)
		logf(c.logger, "cipher: decrypt failed: %v", err)
	}
	c.metrics.decrypted(err)
	if err != nil {
		return nil, nil, err
	}
	return content, meta, nil
}

func (c *Cipher) decrypt(ctx context.Context, env *Envelope) (*Content, *Metadata, error) {
	if env == nil || len(env.Content) == 0 {
		return nil, nil, newError(ErrorKindInvalidEnvelope, "empty envelope")
	}
	if !env.HasSource() && env.Type != EnvelopeUnidentifiedSender {
		return nil, nil, newError(ErrorKindInvalidEnvelope, "%s envelope without a source", env.Type)
	}

	meta := &Metadata{
		Destination:     env.DestinationServiceID,
		Timestamp:       time.UnixMilli(int64(env.Timestamp)),
		ServerTimestamp: time.UnixMilli(int64(env.ServerTimestamp)),
		ServerGUID:      env.ServerGUID,
	}
	var content *Content
	err := c.run(ctx, func(ctx context.Context) error {
		var plaintext []byte
		var err error
		switch env.Type {
		case EnvelopePrekeyBundle, EnvelopeCiphertext, EnvelopeSenderKeyMessage:
			meta.Sender, meta.SenderDevice = env.SourceServiceID, env.SourceDevice
			plaintext, err = c.decryptRatchet(ctx, ratchetType(env.Type), env.Content, meta)
		case EnvelopeUnidentifiedSender:
			meta.SealedSender = true
			plaintext, err = c.decryptSealed(ctx, env, meta)
		default:
			return newError(ErrorKindUnsupportedMessageType, "envelope type %s", env.Type)
		}
		if err != nil {
			return err
		}

		content, err = ParseContent(stripPadding(plaintext))
		if err != nil {
			return newError(ErrorKindInvalidMessage, "%v", err)
		}
		if skdm := content.SenderKeyDistributionMessage; skdm != nil {
			sender := libsignal.NewAddress(meta.Sender, meta.SenderDevice)
			distID, err := c.protocol.ProcessSenderKeyDistributionMessage(ctx, sender, skdm, c.account)
			if err != nil {
				return err
			}
			logf(c.logger, "cipher: installed sender key %s from %s", distID, sender)
		}
		return nil
	})
	if err != nil {
		return nil, meta, err
	}
	logf(c.logger, "cipher: decrypted %s from %s.%d sealed=%v", env.Type, meta.Sender, meta.SenderDevice, meta.SealedSender)
	return content, meta, nil
}

func ratchetType(t EnvelopeType) uint8 {
	switch t {
	case EnvelopePrekeyBundle:
		return libsignal.CiphertextMessageTypePreKey
	case EnvelopeSenderKeyMessage:
		return libsignal.CiphertextMessageTypeSenderKey
	default:
		return libsignal.CiphertextMessageTypeWhisper
	}
}

func (c *Cipher) decryptRatchet(ctx context.Context, msgType uint8, body []byte, meta *Metadata) ([]byte, error) {
	if msgType == libsignal.CiphertextMessageTypeSenderKey {
		return c.protocol.GroupDecrypt(ctx, body, libsignal.NewAddress(meta.Sender, meta.SenderDevice), c.account)
	}
	addr, err := c.preferredAddress(ctx, meta.SenderDevice, meta.Sender, meta.SenderE164)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case libsignal.CiphertextMessageTypePreKey:
		return c.protocol.DecryptPreKeyMessage(ctx, body, addr, c.account)
	case libsignal.CiphertextMessageTypeWhisper:
		return c.protocol.DecryptMessage(ctx, body, addr, c.account, c.account)
	}
	return nil, newError(ErrorKindUnsupportedMessageType, "ratchet message type %d", msgType)
}

func (c *Cipher) decryptSealed(ctx context.Context, env *Envelope, meta *Metadata) ([]byte, error) {
	usmc, err := c.protocol.SealedSenderDecryptToUSMC(ctx, env.Content, c.account)
	if err != nil {
		return nil, err
	}
	cert := usmc.SenderCert
	if c.validator == nil {
		return nil, newError(ErrorKindInvalidMetadata, "no certificate validator")
	}
	validateAt := meta.ServerTimestamp
	if env.ServerTimestamp == 0 {
		validateAt = c.now()
	}
	if err := c.validator.Validate(cert, validateAt); err != nil {
		return nil, &ProtocolError{Kind: ErrorKindInvalidMetadata, Err: err}
	}

	meta.Sender = cert.SenderUUID
	meta.SenderDevice = cert.DeviceID
	meta.SenderE164 = cert.SenderE164
	meta.ContentHint = usmc.ContentHint
	meta.GroupID = usmc.GroupID

	local := c.localAddress()
	if cert.SenderUUID == local.Name && cert.DeviceID == local.DeviceID {
		return nil, newError(ErrorKindSelfSend, "sealed sender message from this device")
	}
	if usmc.MsgType == libsignal.CiphertextMessageTypePlaintext {
		return nil, newError(ErrorKindUnsupportedMessageType, "sealed plaintext content")
	}
	return c.decryptRatchet(ctx, usmc.MsgType, usmc.Contents, meta)
}

// preferredAddress picks the address of device that already has a session.
// names are the identifiers the envelope carried, ACI first; they are tried
// before the other identifiers their recipient is known by. Without any
// session it falls back to the recipient's ACI, then to the first name.
func (c *Cipher) preferredAddress(ctx context.Context, device uint32, names ...string) (libsignal.Address, error) {
	var candidates []string
	seen := map[string]bool{}
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}
	}
	add(names...)
	var aci string
	for _, name := range names {
		if name == "" {
			continue
		}
		r, err := c.stores.Storage.GetRecipientByIdentifier(ctx, name)
		if err != nil {
			return libsignal.Address{}, err
		}
		if r != nil {
			add(r.Identifiers()...)
			if aci == "" {
				aci = r.ACI
			}
		}
	}
	if len(candidates) == 0 {
		return libsignal.NewAddress("", device), nil
	}

	for _, id := range candidates {
		addr := libsignal.NewAddress(id, device)
		ok, err := c.account.Sessions.ContainsSession(ctx, addr)
		if err != nil {
			return libsignal.Address{}, err
		}
		if ok {
			return addr, nil
		}
	}
	if aci != "" {
		return libsignal.NewAddress(aci, device), nil
	}
	return libsignal.NewAddress(candidates[0], device), nil
}

// CreateSenderKeyDistribution returns the distribution message for the
// local sender key of distributionID, creating the key if needed.
func (c *Cipher) CreateSenderKeyDistribution(ctx context.Context, distributionID libsignal.DistributionID) ([]byte, error) {
	var skdm []byte
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		skdm, err = c.protocol.CreateSenderKeyDistributionMessage(ctx, c.localAddress(), distributionID, c.account)
		return err
	})
	if err != nil {
		return nil, translate(err, "", 0)
	}
	return skdm, nil
}

// ProcessSenderKeyDistribution installs a sender key received from sender.
func (c *Cipher) ProcessSenderKeyDistribution(ctx context.Context, sender libsignal.Address, skdm []byte) (libsignal.DistributionID, error) {
	var distID libsignal.DistributionID
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		distID, err = c.protocol.ProcessSenderKeyDistributionMessage(ctx, sender, skdm, c.account)
		return err
	})
	if err != nil {
		return distID, translate(err, sender.Name, sender.DeviceID)
	}
	return distID, nil
}

// GroupEncrypt pads plaintext and encrypts it with the local sender key
// for distributionID. The result is the content of a SENDERKEY_MESSAGE
// envelope.
func (c *Cipher) GroupEncrypt(ctx context.Context, distributionID libsignal.DistributionID, plaintext []byte) ([]byte, error) {
	var out []byte
	err := c.run(ctx, func(ctx context.Context) error {
		msg, err := c.protocol.GroupEncrypt(ctx, c.localAddress(), distributionID, padMessage(plaintext), c.account)
		if err != nil {
			return err
		}
		out = msg.Serialize()
		return nil
	})
	if err != nil {
		err = translate(err, "", 0)
		c.metrics.encrypted(EnvelopeUnknown, err)
		return nil, err
	}
	c.metrics.encrypted(EnvelopeSenderKeyMessage, nil)
	return out, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
