package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Account holds the local identities. ACI and PNI are two accounts backed by
// one store.
type Account struct {
	Number            string `json:"number"`
	ACI               string `json:"aci"`
	PNI               string `json:"pni"`
	DeviceID          int    `json:"deviceId"`
	RegistrationID    int    `json:"registrationId"`
	PNIRegistrationID int    `json:"pniRegistrationId"`

	ACIIdentityKeyPair []byte `json:"aciIdentityKeyPair"`
	PNIIdentityKeyPair []byte `json:"pniIdentityKeyPair"`
	ProfileKey         []byte `json:"profileKey"`
}

const accountKey = "account"

// SaveAccount persists the account to the database.
func (s *Store) SaveAccount(ctx context.Context, acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount(ctx context.Context) (*Account, error) {
	var data []byte
	err := s.q(ctx).QueryRowContext(ctx,
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}
