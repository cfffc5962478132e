package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Recipient is one logical participant and the identifiers it is known by.
// Any of ACI, PNI and E164 may be empty.
type Recipient struct {
	ID   int64
	ACI  string
	PNI  string
	E164 string
}

// Identifiers returns the non-empty identifiers, ACI first.
func (r *Recipient) Identifiers() []string {
	var out []string
	for _, id := range []string{r.ACI, r.PNI, r.E164} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveRecipient inserts a recipient, or updates the row that already holds
// one of its identifiers. It returns the recipient id.
func (s *Store) SaveRecipient(ctx context.Context, r *Recipient) (int64, error) {
	var id int64
	err := s.InTransaction(ctx, func(ctx context.Context) error {
		existing, err := s.recipientMatching(ctx, r)
		if err != nil {
			return err
		}
		if existing == nil {
			res, err := s.q(ctx).ExecContext(ctx,
				"INSERT INTO recipient (aci, pni, e164) VALUES (?, ?, ?)",
				nullable(r.ACI), nullable(r.PNI), nullable(r.E164))
			if err != nil {
				return fmt.Errorf("store: insert recipient: %w", err)
			}
			id, err = res.LastInsertId()
			return err
		}
		id = existing.ID
		_, err = s.q(ctx).ExecContext(ctx,
			"UPDATE recipient SET aci = COALESCE(?, aci), pni = COALESCE(?, pni), e164 = COALESCE(?, e164) WHERE id = ?",
			nullable(r.ACI), nullable(r.PNI), nullable(r.E164), id)
		if err != nil {
			return fmt.Errorf("store: update recipient: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

func (s *Store) recipientMatching(ctx context.Context, r *Recipient) (*Recipient, error) {
	for _, ident := range r.Identifiers() {
		existing, err := s.GetRecipientByIdentifier(ctx, ident)
		if err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, nil
}

func scanRecipient(row *sql.Row) (*Recipient, error) {
	var r Recipient
	var aci, pni, e164 sql.NullString
	if err := row.Scan(&r.ID, &aci, &pni, &e164); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get recipient: %w", err)
	}
	r.ACI, r.PNI, r.E164 = aci.String, pni.String, e164.String
	return &r, nil
}

// GetRecipient returns the recipient with the given id, or nil if not found.
func (s *Store) GetRecipient(ctx context.Context, id int64) (*Recipient, error) {
	return scanRecipient(s.q(ctx).QueryRowContext(ctx,
		"SELECT id, aci, pni, e164 FROM recipient WHERE id = ?", id))
}

// GetRecipientByIdentifier returns the recipient known by an ACI, PNI or
// phone number, or nil if not found.
func (s *Store) GetRecipientByIdentifier(ctx context.Context, ident string) (*Recipient, error) {
	return scanRecipient(s.q(ctx).QueryRowContext(ctx,
		"SELECT id, aci, pni, e164 FROM recipient WHERE aci = ?1 OR pni = ?1 OR e164 = ?1 LIMIT 1", ident))
}
