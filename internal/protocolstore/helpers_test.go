package protocolstore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newKey(t *testing.T) *libsignal.PublicKey {
	t.Helper()
	kp, err := libsignal.GenerateIdentityKeyPair()
	require.NoError(t, err)
	return kp.PublicKey
}

func testAccount(t *testing.T) LocalAccount {
	t.Helper()
	aci, err := libsignal.GenerateIdentityKeyPair()
	require.NoError(t, err)
	pni, err := libsignal.GenerateIdentityKeyPair()
	require.NoError(t, err)
	return LocalAccount{
		ACI:               libsignal.ACI(uuid.New()),
		PNI:               libsignal.PNI(uuid.New()),
		E164:              "+15550000001",
		DeviceID:          1,
		ACIIdentity:       aci,
		ACIRegistrationID: 1111,
		PNIIdentity:       pni,
		PNIRegistrationID: 2222,
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStores(t *testing.T, opts ...Option) (*Stores, *store.Store) {
	t.Helper()
	st := tempStore(t)
	s, err := New(st, testAccount(t), opts...)
	require.NoError(t, err)
	return s, st
}

func activeSession(regID uint32) *libsignal.SessionRecord {
	rec := libsignal.NewSessionRecord()
	rec.SetState(&libsignal.SessionState{Version: 3, RemoteRegistrationID: regID, SenderChain: true, Body: []byte{1}})
	return rec
}
