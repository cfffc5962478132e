package protocolstore

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/reentrant"
	"github.com/gwillem/signal-keystore/internal/store"
)

// DefaultApprovalWindow is how long after a key change sends still need a
// non-blocking approval.
const DefaultApprovalWindow = 5 * time.Second

// SaveResult is the outcome of IdentityStore.SaveIdentity.
type SaveResult int

const (
	SaveResultNew SaveResult = iota
	SaveResultUpdate
	SaveResultNonBlockingApprovalRequired
	SaveResultNoChange
)

func (r SaveResult) String() string {
	switch r {
	case SaveResultNew:
		return "new"
	case SaveResultUpdate:
		return "update"
	case SaveResultNonBlockingApprovalRequired:
		return "non-blocking approval required"
	default:
		return "no change"
	}
}

// IdentityChangeListener is notified after the stored identity key of an
// address name was replaced and the replacement committed.
type IdentityChangeListener func(address string)

// IdentityStore decides which remote identity keys to accept and trust.
// It is shared by the ACI and PNI accounts.
type IdentityStore struct {
	st          *store.Store
	cache       *IdentityCache
	sessionLock *reentrant.Mutex
	account     *LocalAccount
	// sessions of every local account, for archiving on key change
	sessions []*SessionStore

	approvalWindow time.Duration
	now            func() time.Time
	onChange       IdentityChangeListener
	logger         *log.Logger
}

// SaveIdentity records key for address.
//
// An unknown name is stored as new and first-use. A different key replaces
// the stored one: verified and unverified records become unverified, sibling
// sessions are archived in every account, sender-key sharing for the name is
// cleared and the change listener fires. A different key for one of the
// local names is logged and ignored. Within the approval window after a
// change, a request carrying nonBlockingApproval records the approval.
func (s *IdentityStore) SaveIdentity(ctx context.Context, address libsignal.Address, key *libsignal.PublicKey, nonBlockingApproval bool) (SaveResult, error) {
	ctx, release := s.sessionLock.Acquire(ctx)
	defer release()

	name := address.Name
	result := SaveResultNoChange
	err := s.st.InTransaction(ctx, func(ctx context.Context) error {
		rec, err := s.cache.Get(ctx, name)
		if err != nil {
			return err
		}

		if rec == nil {
			recipientID, err := s.recipientID(ctx, name)
			if err != nil {
				return err
			}
			logf(s.logger, "identity: saving new identity for %s", name)
			result = SaveResultNew
			return s.cache.Save(ctx, &store.IdentityRecord{
				Address:             name,
				RecipientID:         recipientID,
				IdentityKey:         key,
				Verified:            store.VerifiedDefault,
				FirstUse:            true,
				Timestamp:           s.now().UnixMilli(),
				NonBlockingApproval: nonBlockingApproval,
			})
		}

		if !rec.IdentityKey.Equal(key) {
			if s.account.IsSelf(name) {
				logf(s.logger, "identity: ignoring identity change for local address %s", name)
				return nil
			}
			verified := store.VerifiedDefault
			if rec.Verified == store.VerifiedVerified || rec.Verified == store.VerifiedUnverified {
				verified = store.VerifiedUnverified
			}
			logf(s.logger, "identity: replacing identity for %s (verified %s -> %s)", name, rec.Verified, verified)
			err := s.cache.Save(ctx, &store.IdentityRecord{
				Address:             name,
				RecipientID:         rec.RecipientID,
				IdentityKey:         key,
				Verified:            verified,
				FirstUse:            false,
				Timestamp:           s.now().UnixMilli(),
				NonBlockingApproval: nonBlockingApproval,
			})
			if err != nil {
				return err
			}
			for _, sessions := range s.sessions {
				if err := sessions.ArchiveSiblingSessions(ctx, address); err != nil {
					return err
				}
			}
			if err := s.st.ClearSenderKeySharedWithName(ctx, name); err != nil {
				return err
			}
			if s.onChange != nil {
				s.st.OnCommit(ctx, func() { s.onChange(name) })
			}
			result = SaveResultUpdate
			return nil
		}

		if s.approvalRequired(rec) && rec.NonBlockingApproval != nonBlockingApproval {
			logf(s.logger, "identity: setting non-blocking approval for %s", name)
			result = SaveResultNonBlockingApprovalRequired
			return s.cache.SetApproval(ctx, name, nonBlockingApproval)
		}
		return nil
	})
	if err != nil {
		s.cache.Invalidate(name)
		return SaveResultNoChange, err
	}
	return result, nil
}

// approvalRequired reports whether sends to rec's name need a non-blocking
// approval: the key changed within the approval window and nobody approved.
func (s *IdentityStore) approvalRequired(rec *store.IdentityRecord) bool {
	if rec.FirstUse || rec.NonBlockingApproval {
		return false
	}
	return s.now().Sub(time.UnixMilli(rec.Timestamp)) < s.approvalWindow
}

// IsTrustedIdentity reports whether key may be used with address.
//
// A local name is trusted only with the locally held key. Receiving is
// always trusted. Sending is trusted on first use, or when the key matches,
// the record is not unverified and no approval is pending.
func (s *IdentityStore) IsTrustedIdentity(ctx context.Context, address libsignal.Address, key *libsignal.PublicKey, direction libsignal.Direction) (bool, error) {
	name := address.Name
	if s.account.IsSelf(name) {
		return key.Equal(s.account.ownKey(name)), nil
	}
	if direction == libsignal.DirectionReceiving {
		return true, nil
	}

	rec, err := s.cache.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if rec == nil {
		logf(s.logger, "identity: trusting %s on first use", name)
		return true, nil
	}
	if !rec.IdentityKey.Equal(key) {
		logf(s.logger, "identity: %s key does not match stored key", name)
		return false, nil
	}
	if rec.Verified == store.VerifiedUnverified {
		logf(s.logger, "identity: %s is unverified", name)
		return false, nil
	}
	if s.approvalRequired(rec) {
		logf(s.logger, "identity: %s needs non-blocking approval", name)
		return false, nil
	}
	return true, nil
}

// GetIdentity returns the stored key for address, or nil.
func (s *IdentityStore) GetIdentity(ctx context.Context, address libsignal.Address) (*libsignal.PublicKey, error) {
	rec, err := s.cache.Get(ctx, address.Name)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.IdentityKey, nil
}

// GetIdentityRecord returns the full stored record for an address name, or nil.
func (s *IdentityStore) GetIdentityRecord(ctx context.Context, name string) (*store.IdentityRecord, error) {
	return s.cache.Get(ctx, name)
}

// SetVerified sets the verified status of name, but only while its stored
// key is still key. It reports whether the status was applied.
func (s *IdentityStore) SetVerified(ctx context.Context, name string, key *libsignal.PublicKey, status store.VerifiedStatus) (bool, error) {
	applied, err := s.cache.SetVerified(ctx, name, key, status)
	if err == nil && !applied {
		logf(s.logger, "identity: not setting %s to %s, key changed", name, status)
	}
	return applied, err
}

// SetApproval records an explicit non-blocking approval for name.
func (s *IdentityStore) SetApproval(ctx context.Context, name string, approved bool) error {
	return s.cache.SetApproval(ctx, name, approved)
}

// DeleteIdentity removes the stored identity of name.
func (s *IdentityStore) DeleteIdentity(ctx context.Context, name string) error {
	return s.cache.Delete(ctx, name)
}

// Invalidate drops name from the cache.
func (s *IdentityStore) Invalidate(name string) {
	s.cache.Invalidate(name)
}

// recipientID returns the recipient that owns name, creating one if needed.
func (s *IdentityStore) recipientID(ctx context.Context, name string) (int64, error) {
	r, err := s.st.GetRecipientByIdentifier(ctx, name)
	if err != nil {
		return 0, err
	}
	if r != nil {
		return r.ID, nil
	}
	r = &store.Recipient{}
	switch {
	case strings.HasPrefix(name, "PNI:"):
		r.PNI = name
	case strings.HasPrefix(name, "+"):
		r.E164 = name
	default:
		r.ACI = name
	}
	return s.st.SaveRecipient(ctx, r)
}
