package protocolstore

import (
	"context"
	"time"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/store"
)

// SenderKeyStore holds group sender keys and tracks which addresses
// already received our sender key for each distribution.
type SenderKeyStore struct {
	st *store.Store
}

var _ libsignal.SenderKeyStore = (*SenderKeyStore)(nil)

func (s *SenderKeyStore) LoadSenderKey(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID) (*libsignal.SenderKeyRecord, error) {
	return s.st.LoadSenderKey(ctx, sender, distributionID)
}

func (s *SenderKeyStore) StoreSenderKey(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID, record *libsignal.SenderKeyRecord) error {
	return s.st.StoreSenderKey(ctx, sender, distributionID, record)
}

// CreatedAt returns when the sender key was first stored.
func (s *SenderKeyStore) CreatedAt(ctx context.Context, sender libsignal.Address, distributionID libsignal.DistributionID) (time.Time, error) {
	return s.st.SenderKeyCreatedAt(ctx, sender, distributionID)
}

// SharedWith returns the addresses that already have our key for distributionID.
func (s *SenderKeyStore) SharedWith(ctx context.Context, distributionID libsignal.DistributionID) ([]libsignal.Address, error) {
	return s.st.GetSenderKeySharedWith(ctx, distributionID)
}

// MarkSharedWith records that addresses received our key for distributionID.
func (s *SenderKeyStore) MarkSharedWith(ctx context.Context, distributionID libsignal.DistributionID, addresses []libsignal.Address) error {
	return s.st.MarkSenderKeySharedWith(ctx, distributionID, addresses)
}

// ClearSharedWith forgets that addresses received our key, for every
// distribution, so the next group send redistributes it to them.
func (s *SenderKeyStore) ClearSharedWith(ctx context.Context, addresses []libsignal.Address) error {
	return s.st.ClearSenderKeySharedWith(ctx, addresses)
}

// DeleteAllFor removes the sender keys of every device under name for one
// distribution.
func (s *SenderKeyStore) DeleteAllFor(ctx context.Context, name string, distributionID libsignal.DistributionID) error {
	return s.st.DeleteSenderKeysFor(ctx, name, distributionID)
}

// DeleteAll removes every sender key and all sharing state.
func (s *SenderKeyStore) DeleteAll(ctx context.Context) error {
	return s.st.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.st.DeleteAllSenderKeys(ctx); err != nil {
			return err
		}
		return s.st.DeleteAllSenderKeyShared(ctx)
	})
}
