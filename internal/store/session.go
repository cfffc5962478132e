package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// SessionRow is one stored session.
type SessionRow struct {
	Address libsignal.Address
	Record  *libsignal.SessionRecord
}

// LoadSession loads a session record for the given account and address.
// Returns nil, nil if no session exists.
func (s *Store) LoadSession(ctx context.Context, accountID string, address libsignal.Address) (*libsignal.SessionRecord, error) {
	var record []byte
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT record FROM session WHERE account_id = ? AND address = ? AND device_id = ?",
		accountID, address.Name, address.DeviceID,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}
	rec, err := libsignal.DeserializeSessionRecord(record)
	if err != nil {
		return nil, fmt.Errorf("store: decode session %s: %w", address, err)
	}
	return rec, nil
}

// StoreSession stores a session record for the given account and address.
func (s *Store) StoreSession(ctx context.Context, accountID string, address libsignal.Address, record *libsignal.SessionRecord) error {
	data, err := record.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize session: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO session (account_id, address, device_id, record) VALUES (?, ?, ?, ?)",
		accountID, address.Name, address.DeviceID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// HasSession reports whether any record is stored for the address.
func (s *Store) HasSession(ctx context.Context, accountID string, address libsignal.Address) (bool, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session WHERE account_id = ? AND address = ? AND device_id = ?",
		accountID, address.Name, address.DeviceID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: has session: %w", err)
	}
	return n > 0, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]SessionRow, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var data []byte
		if err := rows.Scan(&row.Address.Name, &row.Address.DeviceID, &data); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		if row.Record, err = libsignal.DeserializeSessionRecord(data); err != nil {
			return nil, fmt.Errorf("store: decode session %s: %w", row.Address, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SessionsForName returns every session whose address shares name.
func (s *Store) SessionsForName(ctx context.Context, accountID, name string) ([]SessionRow, error) {
	return s.querySessions(ctx,
		"SELECT address, device_id, record FROM session WHERE account_id = ? AND address = ? ORDER BY device_id",
		accountID, name)
}

// SessionsForAccount returns every session of the account.
func (s *Store) SessionsForAccount(ctx context.Context, accountID string) ([]SessionRow, error) {
	return s.querySessions(ctx,
		"SELECT address, device_id, record FROM session WHERE account_id = ? ORDER BY address, device_id",
		accountID)
}

// SubDeviceIDs returns the device ids other than the primary (1) that have
// sessions under name.
func (s *Store) SubDeviceIDs(ctx context.Context, accountID, name string) ([]uint32, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		"SELECT device_id FROM session WHERE account_id = ? AND address = ? AND device_id != 1 ORDER BY device_id",
		accountID, name)
	if err != nil {
		return nil, fmt.Errorf("store: sub device ids: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: sub device ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSession removes one session.
func (s *Store) DeleteSession(ctx context.Context, accountID string, address libsignal.Address) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"DELETE FROM session WHERE account_id = ? AND address = ? AND device_id = ?",
		accountID, address.Name, address.DeviceID)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// DeleteSessionsForName removes every session under name.
func (s *Store) DeleteSessionsForName(ctx context.Context, accountID, name string) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"DELETE FROM session WHERE account_id = ? AND address = ?", accountID, name)
	if err != nil {
		return fmt.Errorf("store: delete sessions: %w", err)
	}
	return nil
}
