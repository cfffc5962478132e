package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// LoadSenderKey loads a sender key record for the given sender and distribution ID.
// Returns nil if not found.
func (s *Store) LoadSenderKey(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID) (*libsignal.SenderKeyRecord, error) {
	var record []byte
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT record FROM sender_key WHERE address = ? AND device_id = ? AND distribution_id = ?",
		sender.Name, sender.DeviceID, distributionID[:],
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load sender key: %w", err)
	}
	return libsignal.DeserializeSenderKeyRecord(record)
}

// StoreSenderKey stores a sender key record. created_at is kept from the
// first write so callers can rotate keys by age.
func (s *Store) StoreSenderKey(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, record *libsignal.SenderKeyRecord) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO sender_key (address, device_id, distribution_id, record, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (address, device_id, distribution_id) DO UPDATE SET record = excluded.record`,
		sender.Name, sender.DeviceID, distributionID[:], record.Serialize(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: store sender key: %w", err)
	}
	return nil
}

// SenderKeyCreatedAt returns when the sender key was first stored, or the
// zero time if there is none.
func (s *Store) SenderKeyCreatedAt(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID) (time.Time, error) {
	var ms int64
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT created_at FROM sender_key WHERE address = ? AND device_id = ? AND distribution_id = ?",
		sender.Name, sender.DeviceID, distributionID[:],
	).Scan(&ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("store: sender key created_at: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// DeleteSenderKeysFor removes the sender keys of every device under name
// for one distribution.
func (s *Store) DeleteSenderKeysFor(ctx context.Context, name string, distributionID libsignal.DistributionID) error {
	_, err := s.q(ctx).ExecContext(ctx,
		"DELETE FROM sender_key WHERE address = ? AND distribution_id = ?", name, distributionID[:])
	if err != nil {
		return fmt.Errorf("store: delete sender keys: %w", err)
	}
	return nil
}

// DeleteAllSenderKeys removes every sender key.
func (s *Store) DeleteAllSenderKeys(ctx context.Context) error {
	if _, err := s.q(ctx).ExecContext(ctx, "DELETE FROM sender_key"); err != nil {
		return fmt.Errorf("store: delete all sender keys: %w", err)
	}
	return nil
}

// GetSenderKeySharedWith returns the addresses that have received our
// sender key for the given distribution ID.
func (s *Store) GetSenderKeySharedWith(ctx context.Context, distributionID libsignal.DistributionID) ([]libsignal.Address, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		"SELECT address, device_id FROM sender_key_shared WHERE distribution_id = ? ORDER BY address, device_id",
		distributionID[:],
	)
	if err != nil {
		return nil, fmt.Errorf("store: sender key shared with: %w", err)
	}
	defer rows.Close()

	var addresses []libsignal.Address
	for rows.Next() {
		var addr libsignal.Address
		if err := rows.Scan(&addr.Name, &addr.DeviceID); err != nil {
			return nil, fmt.Errorf("store: sender key shared with: %w", err)
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

// MarkSenderKeySharedWith records that the given addresses have received
// our sender key for the given distribution ID.
func (s *Store) MarkSenderKeySharedWith(ctx context.Context, distributionID libsignal.DistributionID, addresses []libsignal.Address) error {
	now := time.Now().UnixMilli()
	return s.InTransaction(ctx, func(ctx context.Context) error {
		for _, addr := range addresses {
			_, err := s.q(ctx).ExecContext(ctx,
				"INSERT OR IGNORE INTO sender_key_shared (distribution_id, address, device_id, timestamp) VALUES (?, ?, ?, ?)",
				distributionID[:], addr.Name, addr.DeviceID, now,
			)
			if err != nil {
				return fmt.Errorf("store: mark sender key shared: %w", err)
			}
		}
		return nil
	})
}

// ClearSenderKeySharedWith removes SKDM tracking for the given addresses
// across all distribution IDs. Called when archiving a session.
func (s *Store) ClearSenderKeySharedWith(ctx context.Context, addresses []libsignal.Address) error {
	return s.InTransaction(ctx, func(ctx context.Context) error {
		for _, addr := range addresses {
			_, err := s.q(ctx).ExecContext(ctx,
				"DELETE FROM sender_key_shared WHERE address = ? AND device_id = ?",
				addr.Name, addr.DeviceID,
			)
			if err != nil {
				return fmt.Errorf("store: clear sender key shared: %w", err)
			}
		}
		return nil
	})
}

// ClearSenderKeySharedWithName removes SKDM tracking for every device under
// name. Called when the identity of name changes.
func (s *Store) ClearSenderKeySharedWithName(ctx context.Context, name string) error {
	if _, err := s.q(ctx).ExecContext(ctx, "DELETE FROM sender_key_shared WHERE address = ?", name); err != nil {
		return fmt.Errorf("store: clear sender key shared: %w", err)
	}
	return nil
}

// DeleteAllSenderKeyShared removes all SKDM tracking.
func (s *Store) DeleteAllSenderKeyShared(ctx context.Context) error {
	if _, err := s.q(ctx).ExecContext(ctx, "DELETE FROM sender_key_shared"); err != nil {
		return fmt.Errorf("store: delete all sender key shared: %w", err)
	}
	return nil
}
