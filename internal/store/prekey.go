package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// LoadPreKey loads a one-time pre-key record by ID.
func (s *Store) LoadPreKey(ctx context.Context, accountID string, id uint32) (*libsignal.PreKeyRecord, error) {
	var record []byte
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT record FROM pre_key WHERE account_id = ? AND id = ?", accountID, id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKeyID, "pre-key %d not found", id)
		}
		return nil, fmt.Errorf("store: load pre-key: %w", err)
	}
	return libsignal.DeserializePreKeyRecord(record)
}

// StorePreKey stores a one-time pre-key record.
func (s *Store) StorePreKey(ctx context.Context, accountID string, id uint32, record *libsignal.PreKeyRecord) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO pre_key (account_id, id, record) VALUES (?, ?, ?)",
		accountID, id, record.Serialize(),
	)
	if err != nil {
		return fmt.Errorf("store: store pre-key: %w", err)
	}
	return nil
}

// RemovePreKey deletes a one-time pre-key record.
func (s *Store) RemovePreKey(ctx context.Context, accountID string, id uint32) error {
	_, err := s.q(ctx).ExecContext(ctx, "DELETE FROM pre_key WHERE account_id = ? AND id = ?", accountID, id)
	if err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}

// LoadSignedPreKey loads a signed pre-key record by ID.
func (s *Store) LoadSignedPreKey(ctx context.Context, accountID string, id uint32) (*libsignal.SignedPreKeyRecord, error) {
	var record []byte
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT record FROM signed_pre_key WHERE account_id = ? AND id = ?", accountID, id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, libsignal.Errorf(libsignal.ErrorCodeInvalidKeyID, "signed pre-key %d not found", id)
		}
		return nil, fmt.Errorf("store: load signed pre-key: %w", err)
	}
	return libsignal.DeserializeSignedPreKeyRecord(record)
}

// StoreSignedPreKey stores a signed pre-key record.
func (s *Store) StoreSignedPreKey(ctx context.Context, accountID string, id uint32, record *libsignal.SignedPreKeyRecord) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO signed_pre_key (account_id, id, record) VALUES (?, ?, ?)",
		accountID, id, record.Serialize(),
	)
	if err != nil {
		return fmt.Errorf("store: store signed pre-key: %w", err)
	}
	return nil
}
