package libsignal

import (
	"bytes"
	"testing"
)

func testState(remoteRegID uint32) *SessionState {
	return &SessionState{
		Version:              4,
		LocalRegistrationID:  1,
		RemoteRegistrationID: remoteRegID,
		RemoteIdentityKey:    bytes.Repeat([]byte{0x05}, 33),
		SenderChain:          true,
		Body:                 []byte("ratchet"),
	}
}

func TestSessionRecordSerializeRoundTrip(t *testing.T) {
	rec := NewSessionRecord()
	rec.SetState(testState(100))
	rec.SetState(testState(200))

	data, err := rec.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := DeserializeSessionRecord(data)
	if err != nil {
		t.Fatal(err)
	}

	regID, err := restored.RemoteRegistrationID()
	if err != nil {
		t.Fatal(err)
	}
	if regID != 200 {
		t.Errorf("remote registration ID = %d, want 200", regID)
	}
	if len(restored.PreviousStates()) != 1 {
		t.Fatalf("previous states = %d, want 1", len(restored.PreviousStates()))
	}
	if restored.PreviousStates()[0].RemoteRegistrationID != 100 {
		t.Errorf("archived state reg ID = %d", restored.PreviousStates()[0].RemoteRegistrationID)
	}
	if !bytes.Equal(restored.CurrentState().Body, []byte("ratchet")) {
		t.Errorf("body = %q", restored.CurrentState().Body)
	}
}

func TestArchiveCurrentState(t *testing.T) {
	rec := NewSessionRecord()
	if rec.HasCurrentState() {
		t.Fatal("fresh record should not have current state")
	}
	if !rec.IsFresh() {
		t.Fatal("new record should be fresh")
	}

	rec.SetState(testState(1))
	if !rec.HasCurrentState() {
		t.Fatal("expected current state")
	}

	rec.ArchiveCurrentState()
	if rec.HasCurrentState() {
		t.Error("archived record should not have current state")
	}
	if rec.IsFresh() {
		t.Error("archived record keeps history")
	}
	if len(rec.PreviousStates()) != 1 {
		t.Errorf("previous = %d, want 1", len(rec.PreviousStates()))
	}

	// Archiving twice is a no-op.
	rec.ArchiveCurrentState()
	if len(rec.PreviousStates()) != 1 {
		t.Errorf("previous after double archive = %d, want 1", len(rec.PreviousStates()))
	}
}

func TestArchiveBounded(t *testing.T) {
	rec := NewSessionRecord()
	for i := 0; i < maxArchivedStates+10; i++ {
		rec.SetState(testState(uint32(i)))
	}
	rec.ArchiveCurrentState()
	if n := len(rec.PreviousStates()); n != maxArchivedStates {
		t.Errorf("previous = %d, want %d", n, maxArchivedStates)
	}
	// Most recent first.
	if got := rec.PreviousStates()[0].RemoteRegistrationID; got != maxArchivedStates+9 {
		t.Errorf("newest archived = %d", got)
	}
}

func TestPromoteState(t *testing.T) {
	rec := NewSessionRecord()
	rec.SetState(testState(1))
	rec.SetState(testState(2))
	rec.PromoteState(0)

	if got := rec.CurrentState().RemoteRegistrationID; got != 1 {
		t.Errorf("current = %d, want 1", got)
	}
	if got := rec.PreviousStates()[0].RemoteRegistrationID; got != 2 {
		t.Errorf("previous[0] = %d, want 2", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec := NewSessionRecord()
	rec.SetState(testState(1))
	c := rec.Clone()
	c.CurrentState().Body[0] = 'X'
	if rec.CurrentState().Body[0] == 'X' {
		t.Error("clone shares body buffer")
	}
}
