// Package protocolstore implements the protocol stores on top of the
// SQLite store: a write-through identity cache, the identity trust policy,
// per-account sessions and pre-keys, and sender keys.
//
// A device has two local accounts, ACI and PNI. They share one identity
// cache, one trust engine and one session lock; each account is a thin view
// that differs only in its identity key pair, registration id and the
// account id its sessions and pre-keys are stored under.
package protocolstore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/reentrant"
	"github.com/gwillem/signal-keystore/internal/store"
)

// AccountIdentityStore is the libsignal.IdentityKeyStore of one local
// account. Everything except the local key pair and registration id is
// delegated to the shared IdentityStore.
type AccountIdentityStore struct {
	*IdentityStore
	keyPair        *libsignal.IdentityKeyPair
	registrationID uint32
}

var _ libsignal.IdentityKeyStore = (*AccountIdentityStore)(nil)

func (a *AccountIdentityStore) GetIdentityKeyPair(context.Context) (*libsignal.IdentityKeyPair, error) {
	if a.keyPair == nil {
		return nil, fmt.Errorf("identity: local identity key pair not set")
	}
	return a.keyPair, nil
}

func (a *AccountIdentityStore) GetLocalRegistrationID(context.Context) (uint32, error) {
	return a.registrationID, nil
}

// SaveIdentityKey reports whether an existing, different key was replaced.
func (a *AccountIdentityStore) SaveIdentityKey(ctx context.Context, address libsignal.Address, key *libsignal.PublicKey) (bool, error) {
	res, err := a.SaveIdentity(ctx, address, key, false)
	return res == SaveResultUpdate, err
}

func (a *AccountIdentityStore) GetIdentityKey(ctx context.Context, address libsignal.Address) (*libsignal.PublicKey, error) {
	return a.GetIdentity(ctx, address)
}

// AccountStore is the complete protocol store of one local account.
type AccountStore struct {
	Identities *AccountIdentityStore
	Sessions   *SessionStore
	PreKeys    *PreKeyStore
	SenderKeys *SenderKeyStore
}

var _ libsignal.ProtocolStore = (*AccountStore)(nil)

func (a *AccountStore) LoadSession(ctx context.Context, address libsignal.Address) (*libsignal.SessionRecord, error) {
	return a.Sessions.LoadSession(ctx, address)
}

func (a *AccountStore) StoreSession(ctx context.Context, address libsignal.Address, record *libsignal.SessionRecord) error {
	return a.Sessions.StoreSession(ctx, address, record)
}

func (a *AccountStore) GetIdentityKeyPair(ctx context.Context) (*libsignal.IdentityKeyPair, error) {
	return a.Identities.GetIdentityKeyPair(ctx)
}

func (a *AccountStore) GetLocalRegistrationID(ctx context.Context) (uint32, error) {
	return a.Identities.GetLocalRegistrationID(ctx)
}

func (a *AccountStore) SaveIdentityKey(ctx context.Context, address libsignal.Address, key *libsignal.PublicKey) (bool, error) {
	return a.Identities.SaveIdentityKey(ctx, address, key)
}

func (a *AccountStore) GetIdentityKey(ctx context.Context, address libsignal.Address) (*libsignal.PublicKey, error) {
	return a.Identities.GetIdentityKey(ctx, address)
}

func (a *AccountStore) IsTrustedIdentity(ctx context.Context, address libsignal.Address, key *libsignal.PublicKey, direction libsignal.Direction) (bool, error) {
	return a.Identities.IsTrustedIdentity(ctx, address, key, direction)
}

func (a *AccountStore) LoadPreKey(ctx context.Context, id uint32) (*libsignal.PreKeyRecord, error) {
	return a.PreKeys.LoadPreKey(ctx, id)
}

func (a *AccountStore) StorePreKey(ctx context.Context, id uint32, record *libsignal.PreKeyRecord) error {
	return a.PreKeys.StorePreKey(ctx, id, record)
}

func (a *AccountStore) RemovePreKey(ctx context.Context, id uint32) error {
	return a.PreKeys.RemovePreKey(ctx, id)
}

func (a *AccountStore) LoadSignedPreKey(ctx context.Context, id uint32) (*libsignal.SignedPreKeyRecord, error) {
	return a.PreKeys.LoadSignedPreKey(ctx, id)
}

func (a *AccountStore) StoreSignedPreKey(ctx context.Context, id uint32, record *libsignal.SignedPreKeyRecord) error {
	return a.PreKeys.StoreSignedPreKey(ctx, id, record)
}

func (a *AccountStore) LoadSenderKey(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID) (*libsignal.SenderKeyRecord, error) {
	return a.SenderKeys.LoadSenderKey(ctx, sender, distributionID)
}

func (a *AccountStore) StoreSenderKey(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, record *libsignal.SenderKeyRecord) error {
	return a.SenderKeys.StoreSenderKey(ctx, sender, distributionID, record)
}

// Stores is the set of protocol stores for one device.
type Stores struct {
	ACI *AccountStore
	PNI *AccountStore

	Identities  *IdentityStore
	Cache       *IdentityCache
	SenderKeys  *SenderKeyStore
	SessionLock *reentrant.Mutex
	Account     *LocalAccount
	Storage     *store.Store
}

// Option configures New.
type Option func(*options)

type options struct {
	logger         *log.Logger
	cacheSize      int
	approvalWindow time.Duration
	now            func() time.Time
	onChange       IdentityChangeListener
	onEvict        func(address string)
}

// WithLogger sets a logger. Nil disables logging.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIdentityCacheSize sets the identity cache capacity.
func WithIdentityCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithApprovalWindow sets how long after a key change sends need approval.
func WithApprovalWindow(d time.Duration) Option {
	return func(o *options) { o.approvalWindow = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIdentityChangeListener registers a callback for identity key changes.
func WithIdentityChangeListener(fn IdentityChangeListener) Option {
	return func(o *options) { o.onChange = fn }
}

// WithEvictionHook registers a callback for identity cache evictions.
func WithEvictionHook(fn func(address string)) Option {
	return func(o *options) { o.onEvict = fn }
}

// New builds the ACI and PNI account stores over st. The accounts share one
// identity cache and one session lock.
func New(st *store.Store, account LocalAccount, opts ...Option) (*Stores, error) {
	o := options{
		cacheSize:      DefaultIdentityCacheSize,
		approvalWindow: DefaultApprovalWindow,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if account.ACI.IsZero() {
		return nil, fmt.Errorf("protocolstore: account has no ACI")
	}

	cache, err := NewIdentityCache(st, o.cacheSize, o.onEvict)
	if err != nil {
		return nil, err
	}
	acct := account
	lock := reentrant.New()
	identities := &IdentityStore{
		st:             st,
		cache:          cache,
		sessionLock:    lock,
		account:        &acct,
		approvalWindow: o.approvalWindow,
		now:            o.now,
		onChange:       o.onChange,
		logger:         o.logger,
	}
	senderKeys := &SenderKeyStore{st: st}

	view := func(id libsignal.ServiceID, kp *libsignal.IdentityKeyPair, regID uint32) *AccountStore {
		sessions := &SessionStore{st: st, accountID: id.String(), lock: lock, logger: o.logger}
		identities.sessions = append(identities.sessions, sessions)
		return &AccountStore{
			Identities: &AccountIdentityStore{IdentityStore: identities, keyPair: kp, registrationID: regID},
			Sessions:   sessions,
			PreKeys:    &PreKeyStore{st: st, accountID: id.String()},
			SenderKeys: senderKeys,
		}
	}

	s := &Stores{
		Identities:  identities,
		Cache:       cache,
		SenderKeys:  senderKeys,
		SessionLock: lock,
		Account:     &acct,
		Storage:     st,
	}
	s.ACI = view(acct.ACI, acct.ACIIdentity, acct.ACIRegistrationID)
	if !acct.PNI.IsZero() {
		s.PNI = view(acct.PNI, acct.PNIIdentity, acct.PNIRegistrationID)
	}
	return s, nil
}

// For returns the account store for a local service id, or nil if the id
// is not one of ours.
func (s *Stores) For(id libsignal.ServiceID) *AccountStore {
	switch {
	case id == s.Account.ACI:
		return s.ACI
	case !s.Account.PNI.IsZero() && id == s.Account.PNI:
		return s.PNI
	}
	return nil
}
