package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// VerifiedStatus is the user-facing verification state of a remote identity.
type VerifiedStatus int

const (
	VerifiedDefault VerifiedStatus = iota
	VerifiedVerified
	VerifiedUnverified
)

func (v VerifiedStatus) String() string {
	switch v {
	case VerifiedVerified:
		return "verified"
	case VerifiedUnverified:
		return "unverified"
	default:
		return "default"
	}
}

// IdentityRecord is the stored identity of one address name. Identities are
// per name, not per device.
type IdentityRecord struct {
	Address             string
	RecipientID         int64
	IdentityKey         *libsignal.PublicKey
	Verified            VerifiedStatus
	FirstUse            bool
	Timestamp           int64 // unix millis of the last key establishment or change
	NonBlockingApproval bool
}

const identityColumns = "address, recipient_id, identity_key, verified, first_use, timestamp, nonblocking_approval"

func scanIdentity(scan func(dest ...any) error) (*IdentityRecord, error) {
	var rec IdentityRecord
	var key []byte
	if err := scan(&rec.Address, &rec.RecipientID, &key, &rec.Verified, &rec.FirstUse, &rec.Timestamp, &rec.NonBlockingApproval); err != nil {
		return nil, err
	}
	pub, err := libsignal.DeserializePublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("store: identity %q: %w", rec.Address, err)
	}
	rec.IdentityKey = pub
	return &rec, nil
}

// GetIdentity loads the identity record for an address name.
// Returns nil, nil if none exists.
func (s *Store) GetIdentity(ctx context.Context, address string) (*IdentityRecord, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		"SELECT "+identityColumns+" FROM identity WHERE address = ?", address)
	rec, err := scanIdentity(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load identity: %w", err)
	}
	return rec, nil
}

// SaveIdentity inserts or replaces an identity record.
func (s *Store) SaveIdentity(ctx context.Context, rec *IdentityRecord) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO identity ("+identityColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.Address, rec.RecipientID, rec.IdentityKey.Serialize(), rec.Verified,
		rec.FirstUse, rec.Timestamp, rec.NonBlockingApproval,
	)
	if err != nil {
		return fmt.Errorf("store: save identity: %w", err)
	}
	return nil
}

// SetIdentityApproval updates the non-blocking approval flag.
func (s *Store) SetIdentityApproval(ctx context.Context, address string, approved bool) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"UPDATE identity SET nonblocking_approval = ? WHERE address = ?", approved, address)
	if err != nil {
		return fmt.Errorf("store: set identity approval: %w", err)
	}
	return nil
}

// SetIdentityVerified updates the verified status, but only while the stored
// key is still key. It reports whether a row was updated.
func (s *Store) SetIdentityVerified(ctx context.Context, address string, key *libsignal.PublicKey, status VerifiedStatus) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx,
		"UPDATE identity SET verified = ? WHERE address = ? AND identity_key = ?",
		status, address, key.Serialize())
	if err != nil {
		return false, fmt.Errorf("store: set identity verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set identity verified: %w", err)
	}
	return n > 0, nil
}

// DeleteIdentity removes the identity record for an address name.
func (s *Store) DeleteIdentity(ctx context.Context, address string) error {
	if _, err := s.q(ctx).ExecContext(ctx, "DELETE FROM identity WHERE address = ?", address); err != nil {
		return fmt.Errorf("store: delete identity: %w", err)
	}
	return nil
}

// ListIdentities returns every stored identity ordered by address.
func (s *Store) ListIdentities(ctx context.Context) ([]*IdentityRecord, error) {
	rows, err := s.q(ctx).QueryContext(ctx, "SELECT "+identityColumns+" FROM identity ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("store: list identities: %w", err)
	}
	defer rows.Close()

	var out []*IdentityRecord
	for rows.Next() {
		rec, err := scanIdentity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: list identities: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
