// Package signal is a persistent keystore for the Signal protocol: local
// identities, remote identity trust, ratchet sessions and group sender keys,
// with encrypt and decrypt entry points on top.
package signal

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/libsignal/ratchet"
	"github.com/gwillem/signal-keystore/internal/protocolstore"
	"github.com/gwillem/signal-keystore/internal/signalservice"
	"github.com/gwillem/signal-keystore/internal/store"
)

var (
	// ErrNoAccount is returned by Load when the database holds no account.
	ErrNoAccount = errors.New("signal: no account in database")
	// ErrAccountExists is returned by Create when the database already holds one.
	ErrAccountExists = errors.New("signal: account already exists")
	// ErrNotLoaded is returned when the keystore is used before Load or Create.
	ErrNotLoaded = errors.New("signal: keystore not loaded")
	// ErrNoProtocol is returned by cipher operations when the protocol
	// backend was removed with WithProtocol(nil).
	ErrNoProtocol = errors.New("signal: no protocol backend configured")
)

// Keystore is the entry point: it owns the database and the protocol stores
// of one local account.
type Keystore struct {
	dbPath         string
	logger         *log.Logger
	protocol       libsignal.Protocol
	validator      libsignal.CertificateValidator
	cacheSize      int
	approvalWindow time.Duration
	now            func() time.Time
	registerer     prometheus.Registerer
	onChange       protocolstore.IdentityChangeListener

	store   *store.Store
	stores  *protocolstore.Stores
	metrics *signalservice.Metrics
	aci     *signalservice.Cipher
	pni     *signalservice.Cipher
}

// Option configures a Keystore.
type Option func(*Keystore)

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/signal-keystore/default.db.
func WithDBPath(path string) Option {
	return func(k *Keystore) { k.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(k *Keystore) { k.logger = l }
}

// WithProtocol replaces the ratchet backend used by Encrypt and Decrypt.
// The default is the double ratchet from go.mau.fi/libsignal; nil disables
// the cipher operations.
func WithProtocol(p libsignal.Protocol) Option {
	return func(k *Keystore) { k.protocol = p }
}

// WithCertificateValidator sets the sealed sender certificate validator.
func WithCertificateValidator(v libsignal.CertificateValidator) Option {
	return func(k *Keystore) { k.validator = v }
}

// WithIdentityCacheSize sets the identity cache capacity.
func WithIdentityCacheSize(n int) Option {
	return func(k *Keystore) { k.cacheSize = n }
}

// WithApprovalWindow sets how long after a key change sends need a
// non-blocking approval.
func WithApprovalWindow(d time.Duration) Option {
	return func(k *Keystore) { k.approvalWindow = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(k *Keystore) { k.now = now }
}

// WithMetricsRegisterer registers the cipher counters with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(k *Keystore) { k.registerer = reg }
}

// WithIdentityChangeListener is called with the address name whenever a
// remote identity key is replaced.
func WithIdentityChangeListener(fn func(address string)) Option {
	return func(k *Keystore) { k.onChange = fn }
}

// New creates a keystore. Call Create or Load before use.
func New(opts ...Option) *Keystore {
	k := &Keystore{
		protocol:       ratchet.New(),
		cacheSize:      protocolstore.DefaultIdentityCacheSize,
		approvalWindow: protocolstore.DefaultApprovalWindow,
		now:            time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Create generates a new local account with fresh ACI and PNI identities and
// saves it to an empty database.
func (k *Keystore) Create(ctx context.Context, number string) error {
	if err := k.openStore(); err != nil {
		return err
	}
	existing, err := k.store.LoadAccount(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAccountExists
	}

	aciKey, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("signal: generate ACI identity: %w", err)
	}
	pniKey, err := libsignal.GenerateIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("signal: generate PNI identity: %w", err)
	}
	profileKey := make([]byte, 32)
	if _, err := rand.Read(profileKey); err != nil {
		return fmt.Errorf("signal: generate profile key: %w", err)
	}

	acct := &store.Account{
		Number:             number,
		ACI:                libsignal.ACI(uuid.New()).String(),
		PNI:                libsignal.PNI(uuid.New()).String(),
		DeviceID:           1,
		RegistrationID:     int(generateRegistrationID()),
		PNIRegistrationID:  int(generateRegistrationID()),
		ACIIdentityKeyPair: aciKey.Serialize(),
		PNIIdentityKeyPair: pniKey.Serialize(),
		ProfileKey:         profileKey,
	}
	if err := k.store.SaveAccount(ctx, acct); err != nil {
		return err
	}
	logf(k.logger, "created account %s (%s)", acct.ACI, number)
	return k.init(acct)
}

// Load opens the database and loads the saved account.
func (k *Keystore) Load(ctx context.Context) error {
	if err := k.openStore(); err != nil {
		return err
	}
	acct, err := k.store.LoadAccount(ctx)
	if err != nil {
		return err
	}
	if acct == nil {
		return ErrNoAccount
	}
	logf(k.logger, "loaded account %s device %d", acct.ACI, acct.DeviceID)
	return k.init(acct)
}

// Close closes the database.
func (k *Keystore) Close() error {
	if k.store == nil {
		return nil
	}
	err := k.store.Close()
	k.store, k.stores, k.aci, k.pni = nil, nil, nil, nil
	return err
}

func (k *Keystore) openStore() error {
	if k.store != nil {
		return nil
	}
	st, err := store.Open(k.dbPath)
	if err != nil {
		return err
	}
	k.store = st
	return nil
}

func (k *Keystore) init(acct *store.Account) error {
	local, err := localAccount(acct)
	if err != nil {
		return err
	}
	stores, err := protocolstore.New(k.store, local,
		protocolstore.WithLogger(k.logger),
		protocolstore.WithIdentityCacheSize(k.cacheSize),
		protocolstore.WithApprovalWindow(k.approvalWindow),
		protocolstore.WithClock(k.now),
		protocolstore.WithIdentityChangeListener(k.onChange),
		protocolstore.WithEvictionHook(func(address string) {
			k.logf("identity cache: evicted %s", address)
		}),
	)
	if err != nil {
		return err
	}
	k.stores = stores

	if k.protocol == nil {
		return nil
	}
	if k.metrics == nil {
		k.metrics = signalservice.NewMetrics(k.registerer)
	}
	copts := []signalservice.Option{
		signalservice.WithLogger(k.logger),
		signalservice.WithCertificateValidator(k.validator),
		signalservice.WithClock(k.now),
		signalservice.WithMetrics(k.metrics),
	}
	if k.aci, err = signalservice.NewCipher(stores, local.ACI, k.protocol, copts...); err != nil {
		return err
	}
	if !local.PNI.IsZero() {
		if k.pni, err = signalservice.NewCipher(stores, local.PNI, k.protocol, copts...); err != nil {
			return err
		}
	}
	return nil
}

// localAccount converts the persisted account to the protocol store view.
func localAccount(acct *store.Account) (protocolstore.LocalAccount, error) {
	var local protocolstore.LocalAccount
	aci, err := libsignal.ParseServiceID(acct.ACI)
	if err != nil {
		return local, fmt.Errorf("signal: account ACI: %w", err)
	}
	aciKey, err := libsignal.DeserializeIdentityKeyPair(acct.ACIIdentityKeyPair)
	if err != nil {
		return local, fmt.Errorf("signal: account ACI identity: %w", err)
	}
	local = protocolstore.LocalAccount{
		ACI:               aci,
		E164:              acct.Number,
		DeviceID:          uint32(acct.DeviceID),
		ACIIdentity:       aciKey,
		ACIRegistrationID: uint32(acct.RegistrationID),
	}
	if acct.PNI != "" {
		pni, err := libsignal.ParseServiceID(acct.PNI)
		if err != nil {
			return local, fmt.Errorf("signal: account PNI: %w", err)
		}
		pniKey, err := libsignal.DeserializeIdentityKeyPair(acct.PNIIdentityKeyPair)
		if err != nil {
			return local, fmt.Errorf("signal: account PNI identity: %w", err)
		}
		pni.Kind = libsignal.ServiceKindPNI
		local.PNI = pni
		local.PNIIdentity = pniKey
		local.PNIRegistrationID = uint32(acct.PNIRegistrationID)
	}
	return local, nil
}

// generateRegistrationID returns a random id in [1, 16380].
func generateRegistrationID() uint32 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return uint32(binary.BigEndian.Uint16(b[:]))%16380 + 1
}

// Account returns the local account, or nil before Load or Create.
func (k *Keystore) Account() *LocalAccount {
	if k.stores == nil {
		return nil
	}
	return k.stores.Account
}

// Stores exposes the protocol stores for callers that drive a ratchet
// backend themselves.
func (k *Keystore) Stores() *Stores {
	return k.stores
}

// ProfileKey returns the local profile key.
func (k *Keystore) ProfileKey(ctx context.Context) ([]byte, error) {
	if k.store == nil {
		return nil, ErrNotLoaded
	}
	acct, err := k.store.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNoAccount
	}
	return acct.ProfileKey, nil
}

// Cipher returns the cipher for one of the local service ids.
func (k *Keystore) Cipher(id ServiceID) (*Cipher, error) {
	if k.stores == nil {
		return nil, ErrNotLoaded
	}
	if k.protocol == nil {
		return nil, ErrNoProtocol
	}
	switch {
	case id == k.stores.Account.ACI:
		return k.aci, nil
	case !id.IsZero() && id == k.stores.Account.PNI:
		return k.pni, nil
	}
	return nil, fmt.Errorf("signal: %s is not a local account", id)
}

// ProcessPreKeyBundle establishes an ACI session with address.
func (k *Keystore) ProcessPreKeyBundle(ctx context.Context, address Address, bundle *PreKeyBundle) error {
	c, err := k.Cipher(k.aciID())
	if err != nil {
		return err
	}
	return c.ProcessPreKeyBundle(ctx, address, bundle)
}

// Encrypt encrypts plaintext for destination from the local ACI. A non-nil
// access selects sealed sender.
func (k *Keystore) Encrypt(ctx context.Context, destination Address, access *UnidentifiedAccess, plaintext []byte) (*OutgoingMessage, error) {
	c, err := k.Cipher(k.aciID())
	if err != nil {
		return nil, err
	}
	return c.Encrypt(ctx, destination, access, plaintext)
}

// Decrypt decrypts an envelope with the account it is addressed to. An
// envelope without a destination goes to the ACI.
func (k *Keystore) Decrypt(ctx context.Context, env *Envelope) (*Content, *Metadata, error) {
	id := k.aciID()
	if env != nil && env.DestinationServiceID != "" {
		dest, err := libsignal.ParseServiceID(env.DestinationServiceID)
		if err != nil {
			return nil, nil, fmt.Errorf("signal: envelope destination: %w", err)
		}
		id = dest
	}
	c, err := k.Cipher(id)
	if err != nil {
		return nil, nil, err
	}
	return c.Decrypt(ctx, env)
}

func (k *Keystore) aciID() libsignal.ServiceID {
	if k.stores == nil {
		return libsignal.ServiceID{}
	}
	return k.stores.Account.ACI
}

// Identity returns the stored identity for name, or nil if unknown.
func (k *Keystore) Identity(ctx context.Context, name string) (*IdentityRecord, error) {
	if k.stores == nil {
		return nil, ErrNotLoaded
	}
	return k.stores.Identities.GetIdentityRecord(ctx, name)
}

// Identities lists every stored remote identity.
func (k *Keystore) Identities(ctx context.Context) ([]*IdentityRecord, error) {
	if k.store == nil {
		return nil, ErrNotLoaded
	}
	return k.store.ListIdentities(ctx)
}

// SaveIdentity records key for address and reports what changed.
func (k *Keystore) SaveIdentity(ctx context.Context, address Address, key *PublicKey) (SaveResult, error) {
	if k.stores == nil {
		return protocolstore.SaveResultNoChange, ErrNotLoaded
	}
	return k.stores.Identities.SaveIdentity(ctx, address, key, false)
}

// Verify sets the verified status of name, provided key is still the
// stored key. It reports whether the status was changed.
func (k *Keystore) Verify(ctx context.Context, name string, key *PublicKey, status VerifiedStatus) (bool, error) {
	if k.stores == nil {
		return false, ErrNotLoaded
	}
	return k.stores.Identities.SetVerified(ctx, name, key, status)
}

// Approve records a non-blocking approval of name's current key.
func (k *Keystore) Approve(ctx context.Context, name string) error {
	if k.stores == nil {
		return ErrNotLoaded
	}
	return k.stores.Identities.SetApproval(ctx, name, true)
}

// IsTrusted reports whether messages may be sent to address under key.
func (k *Keystore) IsTrusted(ctx context.Context, address Address, key *PublicKey) (bool, error) {
	if k.stores == nil {
		return false, ErrNotLoaded
	}
	return k.stores.Identities.IsTrustedIdentity(ctx, address, key, libsignal.DirectionSending)
}

// SessionInfo describes one stored session.
type SessionInfo struct {
	Account string
	Address Address
	Active  bool
}

// Sessions lists the sessions of both local accounts.
func (k *Keystore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if k.stores == nil {
		return nil, ErrNotLoaded
	}
	var out []SessionInfo
	for _, acct := range []*protocolstore.AccountStore{k.stores.ACI, k.stores.PNI} {
		if acct == nil {
			continue
		}
		rows, err := acct.Sessions.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, SessionInfo{
				Account: acct.Sessions.AccountID(),
				Address: r.Address,
				Active:  r.Record.HasCurrentState(),
			})
		}
	}
	return out, nil
}

// ArchiveSession archives the session with address in both accounts. With a
// zero device id every device of the name is archived. A name linked to a
// recipient is archived under each identifier the recipient is known by.
func (k *Keystore) ArchiveSession(ctx context.Context, address Address) error {
	if k.stores == nil {
		return ErrNotLoaded
	}
	ctx, release := k.stores.SessionLock.Acquire(ctx)
	defer release()
	return k.store.InTransaction(ctx, func(ctx context.Context) error {
		r, err := k.store.GetRecipientByIdentifier(ctx, address.Name)
		if err != nil {
			return err
		}
		for _, acct := range []*protocolstore.AccountStore{k.stores.ACI, k.stores.PNI} {
			if acct == nil {
				continue
			}
			if err := archiveIn(ctx, k.store, acct.Sessions, r, address); err != nil {
				return err
			}
		}
		return nil
	})
}

func archiveIn(ctx context.Context, st *store.Store, sessions *protocolstore.SessionStore, r *store.Recipient, address Address) error {
	switch {
	case r != nil && address.DeviceID != 0:
		return sessions.ArchiveSessionsForDevice(ctx, r.ID, address.DeviceID)
	case r != nil:
		return sessions.ArchiveSessions(ctx, r.ID)
	case address.DeviceID != 0:
		return sessions.ArchiveSession(ctx, address)
	}
	rows, err := st.SessionsForName(ctx, sessions.AccountID(), address.Name)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := sessions.ArchiveSession(ctx, row.Address); err != nil {
			return err
		}
	}
	return nil
}

// LinkRecipient records that aci, pni and e164 name the same participant,
// merging into the recipient that already holds one of them. Empty
// identifiers are left unchanged. It returns the recipient id.
func (k *Keystore) LinkRecipient(ctx context.Context, aci, pni, e164 string) (int64, error) {
	if k.store == nil {
		return 0, ErrNotLoaded
	}
	if aci == "" && pni == "" && e164 == "" {
		return 0, errors.New("signal: link recipient: no identifiers")
	}
	return k.store.SaveRecipient(ctx, &store.Recipient{ACI: aci, PNI: pni, E164: e164})
}

// ArchiveAllSessions archives every session of both accounts.
func (k *Keystore) ArchiveAllSessions(ctx context.Context) error {
	if k.stores == nil {
		return ErrNotLoaded
	}
	ctx, release := k.stores.SessionLock.Acquire(ctx)
	defer release()
	return k.store.InTransaction(ctx, func(ctx context.Context) error {
		for _, acct := range []*protocolstore.AccountStore{k.stores.ACI, k.stores.PNI} {
			if acct == nil {
				continue
			}
			if err := acct.Sessions.ArchiveAllSessions(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// SharedWith returns the addresses that already hold the local sender key
// for distributionID.
func (k *Keystore) SharedWith(ctx context.Context, distributionID uuid.UUID) ([]Address, error) {
	if k.stores == nil {
		return nil, ErrNotLoaded
	}
	return k.stores.SenderKeys.SharedWith(ctx, distributionID)
}

// MarkSharedWith records that addresses received the local sender key for
// distributionID.
func (k *Keystore) MarkSharedWith(ctx context.Context, distributionID uuid.UUID, addresses []Address) error {
	if k.stores == nil {
		return ErrNotLoaded
	}
	return k.stores.SenderKeys.MarkSharedWith(ctx, distributionID, addresses)
}

// ClearSharedWith forgets that addresses hold the local sender keys, so the
// next group send redistributes them.
func (k *Keystore) ClearSharedWith(ctx context.Context, addresses []Address) error {
	if k.stores == nil {
		return ErrNotLoaded
	}
	return k.stores.SenderKeys.ClearSharedWith(ctx, addresses)
}

// CacheStats returns the identity cache counters.
func (k *Keystore) CacheStats() CacheStats {
	if k.stores == nil {
		return protocolstore.CacheStats{}
	}
	return k.stores.Cache.Stats()
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
