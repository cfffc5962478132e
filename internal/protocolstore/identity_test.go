package protocolstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/store"
)

func TestSaveIdentityNew(t *testing.T) {
	s, st := newStores(t)
	ctx := context.Background()
	addr := libsignal.NewAddress(uuid.NewString(), 1)
	key := newKey(t)

	res, err := s.Identities.SaveIdentity(ctx, addr, key, false)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNew, res)

	rec, err := st.GetIdentity(ctx, addr.Name)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.FirstUse)
	assert.Equal(t, store.VerifiedDefault, rec.Verified)
	assert.NotZero(t, rec.RecipientID)

	r, err := st.GetRecipient(ctx, rec.RecipientID)
	require.NoError(t, err)
	assert.Equal(t, addr.Name, r.ACI)

	res, err = s.Identities.SaveIdentity(ctx, addr, key, false)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNoChange, res)
}

func TestSaveIdentityKeyChangeVerifiedStatus(t *testing.T) {
	tests := []struct {
		before store.VerifiedStatus
		after  store.VerifiedStatus
	}{
		{store.VerifiedDefault, store.VerifiedDefault},
		{store.VerifiedVerified, store.VerifiedUnverified},
		{store.VerifiedUnverified, store.VerifiedUnverified},
	}
	for _, tt := range tests {
		t.Run(tt.before.String(), func(t *testing.T) {
			s, _ := newStores(t)
			ctx := context.Background()
			addr := libsignal.NewAddress(uuid.NewString(), 1)
			oldKey := newKey(t)

			_, err := s.Identities.SaveIdentity(ctx, addr, oldKey, false)
			require.NoError(t, err)
			applied, err := s.Identities.SetVerified(ctx, addr.Name, oldKey, tt.before)
			require.NoError(t, err)
			require.True(t, applied)

			newKey := newKey(t)
			res, err := s.Identities.SaveIdentity(ctx, addr, newKey, false)
			require.NoError(t, err)
			assert.Equal(t, SaveResultUpdate, res)

			rec, err := s.Identities.GetIdentityRecord(ctx, addr.Name)
			require.NoError(t, err)
			assert.True(t, rec.IdentityKey.Equal(newKey))
			assert.False(t, rec.FirstUse)
			assert.Equal(t, tt.after, rec.Verified)
		})
	}
}

func TestSetVerifiedIgnoresStaleKey(t *testing.T) {
	s, _ := newStores(t)
	ctx := context.Background()
	addr := libsignal.NewAddress(uuid.NewString(), 1)
	_, err := s.Identities.SaveIdentity(ctx, addr, newKey(t), false)
	require.NoError(t, err)

	applied, err := s.Identities.SetVerified(ctx, addr.Name, newKey(t), store.VerifiedVerified)
	require.NoError(t, err)
	assert.False(t, applied)

	rec, _ := s.Identities.GetIdentityRecord(ctx, addr.Name)
	assert.Equal(t, store.VerifiedDefault, rec.Verified)
}

func TestKeyChangeSideEffects(t *testing.T) {
	var changed []string
	s, _ := newStores(t, WithIdentityChangeListener(func(address string) {
		changed = append(changed, address)
	}))
	ctx := context.Background()
	name := uuid.NewString()
	primary := libsignal.NewAddress(name, 1)
	linked := libsignal.NewAddress(name, 2)

	_, err := s.Identities.SaveIdentity(ctx, primary, newKey(t), false)
	require.NoError(t, err)
	for _, acct := range []*AccountStore{s.ACI, s.PNI} {
		require.NoError(t, acct.StoreSession(ctx, primary, activeSession(1)))
		require.NoError(t, acct.StoreSession(ctx, linked, activeSession(2)))
	}
	dist1, dist2 := uuid.New(), uuid.New()
	require.NoError(t, s.SenderKeys.MarkSharedWith(ctx, dist1, []libsignal.Address{primary, linked}))
	require.NoError(t, s.SenderKeys.MarkSharedWith(ctx, dist2, []libsignal.Address{linked}))
	other := libsignal.NewAddress(uuid.NewString(), 1)
	require.NoError(t, s.SenderKeys.MarkSharedWith(ctx, dist2, []libsignal.Address{other}))

	res, err := s.Identities.SaveIdentity(ctx, primary, newKey(t), false)
	require.NoError(t, err)
	require.Equal(t, SaveResultUpdate, res)
	assert.Equal(t, []string{name}, changed)

	for _, acct := range []*AccountStore{s.ACI, s.PNI} {
		ok, err := acct.Sessions.ContainsSession(ctx, primary)
		require.NoError(t, err)
		assert.True(t, ok, "the address that presented the key keeps its session")
		ok, err = acct.Sessions.ContainsSession(ctx, linked)
		require.NoError(t, err)
		assert.False(t, ok, "sibling session should be archived")
	}

	shared, err := s.SenderKeys.SharedWith(ctx, dist1)
	require.NoError(t, err)
	assert.Empty(t, shared)
	shared, err = s.SenderKeys.SharedWith(ctx, dist2)
	require.NoError(t, err)
	assert.Equal(t, []libsignal.Address{other}, shared)
}

func TestKeyChangeRolledBack(t *testing.T) {
	calls := 0
	s, st := newStores(t, WithIdentityChangeListener(func(string) { calls++ }))
	ctx := context.Background()
	addr := libsignal.NewAddress(uuid.NewString(), 1)
	original := newKey(t)
	_, err := s.Identities.SaveIdentity(ctx, addr, original, false)
	require.NoError(t, err)

	ctx, release := s.SessionLock.Acquire(ctx)
	err = st.InTransaction(ctx, func(ctx context.Context) error {
		res, err := s.Identities.SaveIdentity(ctx, addr, newKey(t), false)
		require.NoError(t, err)
		require.Equal(t, SaveResultUpdate, res)
		return fmt.Errorf("abort")
	})
	release()
	require.EqualError(t, err, "abort")

	rec, err := s.Identities.GetIdentityRecord(context.Background(), addr.Name)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IdentityKey.Equal(original), "rolled back key change is still stored")
	assert.Zero(t, calls, "listener fired for a rolled back change")

	ctx, release = s.SessionLock.Acquire(context.Background())
	err = st.InTransaction(ctx, func(ctx context.Context) error {
		_, err := s.Identities.SaveIdentity(ctx, addr, newKey(t), false)
		require.NoError(t, err)
		assert.Zero(t, calls, "listener fired before commit")
		return nil
	})
	release()
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestOwnIdentity(t *testing.T) {
	s, _ := newStores(t)
	ctx := context.Background()
	acct := s.Account
	aci := libsignal.NewAddress(acct.ACI.String(), 1)
	pni := libsignal.NewAddress(acct.PNI.String(), 1)
	e164 := libsignal.NewAddress(acct.E164, 1)

	for _, dir := range []libsignal.Direction{libsignal.DirectionSending, libsignal.DirectionReceiving} {
		ok, err := s.Identities.IsTrustedIdentity(ctx, aci, acct.ACIIdentity.PublicKey, dir)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Identities.IsTrustedIdentity(ctx, aci, acct.PNIIdentity.PublicKey, dir)
		require.NoError(t, err)
		assert.False(t, ok, "own address is only trusted with its own key")

		ok, err = s.Identities.IsTrustedIdentity(ctx, pni, acct.PNIIdentity.PublicKey, dir)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Identities.IsTrustedIdentity(ctx, e164, acct.ACIIdentity.PublicKey, dir)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	res, err := s.Identities.SaveIdentity(ctx, aci, acct.ACIIdentity.PublicKey, false)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNew, res)

	res, err = s.Identities.SaveIdentity(ctx, aci, newKey(t), false)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNoChange, res)
	stored, err := s.Identities.GetIdentity(ctx, aci)
	require.NoError(t, err)
	assert.True(t, stored.Equal(acct.ACIIdentity.PublicKey))
}

func TestIsTrustedIdentity(t *testing.T) {
	s, _ := newStores(t)
	ctx := context.Background()
	addr := libsignal.NewAddress(uuid.NewString(), 1)
	key := newKey(t)

	ok, err := s.Identities.IsTrustedIdentity(ctx, addr, key, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.True(t, ok, "unknown identity is trusted on first use")

	_, err = s.Identities.SaveIdentity(ctx, addr, key, false)
	require.NoError(t, err)

	ok, err = s.Identities.IsTrustedIdentity(ctx, addr, key, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.True(t, ok)

	other := newKey(t)
	ok, err = s.Identities.IsTrustedIdentity(ctx, addr, other, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Identities.IsTrustedIdentity(ctx, addr, other, libsignal.DirectionReceiving)
	require.NoError(t, err)
	assert.True(t, ok, "receiving is always trusted")

	_, err = s.Identities.SetVerified(ctx, addr.Name, key, store.VerifiedUnverified)
	require.NoError(t, err)
	ok, err = s.Identities.IsTrustedIdentity(ctx, addr, key, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.False(t, ok, "unverified identity is not trusted for sending")
}

func TestApprovalWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s, _ := newStores(t, WithClock(clock.Now))
	ctx := context.Background()
	addr := libsignal.NewAddress(uuid.NewString(), 1)

	_, err := s.Identities.SaveIdentity(ctx, addr, newKey(t), false)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	changed := newKey(t)
	res, err := s.Identities.SaveIdentity(ctx, addr, changed, false)
	require.NoError(t, err)
	require.Equal(t, SaveResultUpdate, res)

	clock.Advance(2 * time.Second)
	ok, err := s.Identities.IsTrustedIdentity(ctx, addr, changed, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.False(t, ok, "recently changed key needs approval")

	res, err = s.Identities.SaveIdentity(ctx, addr, changed, false)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNoChange, res)

	res, err = s.Identities.SaveIdentity(ctx, addr, changed, true)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNonBlockingApprovalRequired, res)

	ok, err = s.Identities.IsTrustedIdentity(ctx, addr, changed, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = s.Identities.SaveIdentity(ctx, addr, changed, true)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNoChange, res)
}

func TestApprovalWindowExpires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	s, _ := newStores(t, WithClock(clock.Now))
	ctx := context.Background()
	addr := libsignal.NewAddress(uuid.NewString(), 1)

	_, err := s.Identities.SaveIdentity(ctx, addr, newKey(t), false)
	require.NoError(t, err)
	changed := newKey(t)
	_, err = s.Identities.SaveIdentity(ctx, addr, changed, false)
	require.NoError(t, err)

	clock.Advance(DefaultApprovalWindow + time.Millisecond)
	ok, err := s.Identities.IsTrustedIdentity(ctx, addr, changed, libsignal.DirectionSending)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := s.Identities.SaveIdentity(ctx, addr, changed, true)
	require.NoError(t, err)
	assert.Equal(t, SaveResultNoChange, res, "approval outside the window is not recorded")
}

func TestConcurrentSaveIdentity(t *testing.T) {
	s, st := newStores(t, WithIdentityCacheSize(8))
	ctx := context.Background()

	const n = 32
	keys := make([]*libsignal.PublicKey, n)
	for i := range keys {
		keys[i] = newKey(t)
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			addr := libsignal.NewAddress(fmt.Sprintf("peer-%02d", i), 1)
			res, err := s.Identities.SaveIdentity(ctx, addr, keys[i], false)
			if err != nil {
				return err
			}
			if res != SaveResultNew {
				return fmt.Errorf("%s: got %s", addr, res)
			}
			ok, err := s.Identities.IsTrustedIdentity(ctx, addr, keys[i], libsignal.DirectionSending)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: not trusted", addr)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	recs, err := st.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, n)
	for i := 0; i < n; i++ {
		got, err := s.Identities.GetIdentity(ctx, libsignal.NewAddress(fmt.Sprintf("peer-%02d", i), 1))
		require.NoError(t, err)
		assert.True(t, got.Equal(keys[i]))
	}
	assert.LessOrEqual(t, s.Cache.Stats().Len, 8)
}

func TestConcurrentSaveSameName(t *testing.T) {
	var mu sync.Mutex
	changes := 0
	s, _ := newStores(t, WithIdentityChangeListener(func(string) {
		mu.Lock()
		changes++
		mu.Unlock()
	}))
	ctx := context.Background()
	name := uuid.NewString()

	var g errgroup.Group
	var newCount, updateCount int
	var countMu sync.Mutex
	for i := 0; i < 8; i++ {
		key := newKey(t)
		g.Go(func() error {
			res, err := s.Identities.SaveIdentity(ctx, libsignal.NewAddress(name, uint32(i+1)), key, false)
			if err != nil {
				return err
			}
			countMu.Lock()
			defer countMu.Unlock()
			switch res {
			case SaveResultNew:
				newCount++
			case SaveResultUpdate:
				updateCount++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, newCount)
	assert.Equal(t, 7, updateCount)
	assert.Equal(t, 7, changes)
}
