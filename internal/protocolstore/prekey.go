package protocolstore

import (
	"context"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/store"
)

// PreKeyStore holds the pre-keys of one local account.
type PreKeyStore struct {
	st        *store.Store
	accountID string
}

var (
	_ libsignal.PreKeyStore       = (*PreKeyStore)(nil)
	_ libsignal.SignedPreKeyStore = (*PreKeyStore)(nil)
)

func (s *PreKeyStore) LoadPreKey(ctx context.Context, id uint32) (*libsignal.PreKeyRecord, error) {
	return s.st.LoadPreKey(ctx, s.accountID, id)
}

func (s *PreKeyStore) StorePreKey(ctx context.Context, id uint32, record *libsignal.PreKeyRecord) error {
	return s.st.StorePreKey(ctx, s.accountID, id, record)
}

func (s *PreKeyStore) RemovePreKey(ctx context.Context, id uint32) error {
	return s.st.RemovePreKey(ctx, s.accountID, id)
}

func (s *PreKeyStore) LoadSignedPreKey(ctx context.Context, id uint32) (*libsignal.SignedPreKeyRecord, error) {
	return s.st.LoadSignedPreKey(ctx, s.accountID, id)
}

func (s *PreKeyStore) StoreSignedPreKey(ctx context.Context, id uint32, record *libsignal.SignedPreKeyRecord) error {
	return s.st.StoreSignedPreKey(ctx, s.accountID, id, record)
}
