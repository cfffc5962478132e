package protocolstore

import (
	"context"
	"fmt"
	"log"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/reentrant"
	"github.com/gwillem/signal-keystore/internal/store"
)

// SessionStore holds the ratchet sessions of one local account.
//
// Mutations run under the session lock, which is taken before any storage
// transaction. Callers that already hold a transaction must not call into
// a SessionStore unless they also hold the session lock.
type SessionStore struct {
	st        *store.Store
	accountID string
	lock      *reentrant.Mutex
	logger    *log.Logger
}

var _ libsignal.SessionStore = (*SessionStore)(nil)

// AccountID returns the id the sessions are stored under.
func (s *SessionStore) AccountID() string { return s.accountID }

// LoadSession returns the session for address, or an empty record if there
// is none.
func (s *SessionStore) LoadSession(ctx context.Context, address libsignal.Address) (*libsignal.SessionRecord, error) {
	rec, err := s.st.LoadSession(ctx, s.accountID, address)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return libsignal.NewSessionRecord(), nil
	}
	return rec, nil
}

// LoadExisting returns the sessions for every address, in order. It fails
// with *NoSessionError if any of them has no stored session.
func (s *SessionStore) LoadExisting(ctx context.Context, addresses []libsignal.Address) ([]*libsignal.SessionRecord, error) {
	out := make([]*libsignal.SessionRecord, 0, len(addresses))
	var missing []libsignal.Address
	for _, addr := range addresses {
		rec, err := s.st.LoadSession(ctx, s.accountID, addr)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			missing = append(missing, addr)
			continue
		}
		out = append(out, rec)
	}
	if len(missing) > 0 || len(out) != len(addresses) {
		return nil, &NoSessionError{Requested: addresses, Missing: missing}
	}
	return out, nil
}

// StoreSession stores the session for address.
func (s *SessionStore) StoreSession(ctx context.Context, address libsignal.Address, record *libsignal.SessionRecord) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.StoreSession(ctx, s.accountID, address, record)
}

// ContainsSession reports whether address has a session that can encrypt.
// An archived session reports false even though its history is kept.
func (s *SessionStore) ContainsSession(ctx context.Context, address libsignal.Address) (bool, error) {
	rec, err := s.st.LoadSession(ctx, s.accountID, address)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.HasCurrentState(), nil
}

// ArchiveSession archives the current state of address's session and
// clears its sender-key sharing. No-op if there is no session.
func (s *SessionStore) ArchiveSession(ctx context.Context, address libsignal.Address) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.InTransaction(ctx, func(ctx context.Context) error {
		return s.archive(ctx, address)
	})
}

func (s *SessionStore) archive(ctx context.Context, address libsignal.Address) error {
	rec, err := s.st.LoadSession(ctx, s.accountID, address)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.ArchiveCurrentState()
	if err := s.st.StoreSession(ctx, s.accountID, address, rec); err != nil {
		return err
	}
	logf(s.logger, "session: archived %s (%s)", address, s.accountID)
	return s.st.ClearSenderKeySharedWith(ctx, []libsignal.Address{address})
}

func (s *SessionStore) archiveRows(ctx context.Context, rows []store.SessionRow, skip func(libsignal.Address) bool) error {
	for _, row := range rows {
		if skip != nil && skip(row.Address) {
			continue
		}
		if err := s.archive(ctx, row.Address); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveSiblingSessions archives every session under address's name except
// address itself.
func (s *SessionStore) ArchiveSiblingSessions(ctx context.Context, address libsignal.Address) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.InTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.st.SessionsForName(ctx, s.accountID, address.Name)
		if err != nil {
			return err
		}
		return s.archiveRows(ctx, rows, func(a libsignal.Address) bool {
			return a.DeviceID == address.DeviceID
		})
	})
}

// ArchiveSessions archives every session of the recipient, under each
// identifier it is known by.
func (s *SessionStore) ArchiveSessions(ctx context.Context, recipientID int64) error {
	return s.archiveRecipient(ctx, recipientID, nil)
}

// ArchiveSessionsForDevice archives the recipient's sessions with one device.
func (s *SessionStore) ArchiveSessionsForDevice(ctx context.Context, recipientID int64, deviceID uint32) error {
	return s.archiveRecipient(ctx, recipientID, &deviceID)
}

func (s *SessionStore) archiveRecipient(ctx context.Context, recipientID int64, deviceID *uint32) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.InTransaction(ctx, func(ctx context.Context) error {
		r, err := s.st.GetRecipient(ctx, recipientID)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("session: unknown recipient %d", recipientID)
		}
		for _, name := range r.Identifiers() {
			if deviceID != nil {
				if err := s.archive(ctx, libsignal.NewAddress(name, *deviceID)); err != nil {
					return err
				}
				continue
			}
			rows, err := s.st.SessionsForName(ctx, s.accountID, name)
			if err != nil {
				return err
			}
			if err := s.archiveRows(ctx, rows, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ArchiveAllSessions archives every session of the account.
func (s *SessionStore) ArchiveAllSessions(ctx context.Context) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.InTransaction(ctx, func(ctx context.Context) error {
		rows, err := s.st.SessionsForAccount(ctx, s.accountID)
		if err != nil {
			return err
		}
		logf(s.logger, "session: archiving all %d sessions (%s)", len(rows), s.accountID)
		return s.archiveRows(ctx, rows, nil)
	})
}

// DeleteSession removes the session of address entirely.
func (s *SessionStore) DeleteSession(ctx context.Context, address libsignal.Address) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.DeleteSession(ctx, s.accountID, address)
}

// DeleteAllSessions removes every session under name.
func (s *SessionStore) DeleteAllSessions(ctx context.Context, name string) error {
	ctx, release := s.lock.Acquire(ctx)
	defer release()
	return s.st.DeleteSessionsForName(ctx, s.accountID, name)
}

// SubDeviceSessions returns the non-primary device ids with a session
// under name.
func (s *SessionStore) SubDeviceSessions(ctx context.Context, name string) ([]uint32, error) {
	return s.st.SubDeviceIDs(ctx, s.accountID, name)
}

// ListSessions returns every session of the account.
func (s *SessionStore) ListSessions(ctx context.Context) ([]store.SessionRow, error) {
	return s.st.SessionsForAccount(ctx, s.accountID)
}
