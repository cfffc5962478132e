package libsignal

import (
	"bytes"
	"fmt"

	"github.com/gwillem/signal-keystore/internal/wire"
)

// maxArchivedStates bounds how many archived states a record keeps for
// decrypting late-arriving messages.
const maxArchivedStates = 40

// SessionState is one ratchet state. The ratchet itself lives in Body and
// is owned by the protocol backend; the fields around it are what the store
// layer needs to reason about the session.
type SessionState struct {
	Version              uint32
	LocalRegistrationID  uint32
	RemoteRegistrationID uint32
	LocalIdentityKey     []byte
	RemoteIdentityKey    []byte
	// SenderChain is true while the state can encrypt new messages.
	SenderChain bool
	Body        []byte
}

// SessionRecord holds the current ratchet state for one address plus
// archived states kept for out-of-order decryption.
type SessionRecord struct {
	current  *SessionState
	previous []*SessionState
}

// NewSessionRecord returns an empty record, meaning "no prior session".
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{}
}

// CurrentState returns the active state or nil.
func (r *SessionRecord) CurrentState() *SessionState {
	return r.current
}

// PreviousStates returns archived states, most recent first.
func (r *SessionRecord) PreviousStates() []*SessionState {
	return r.previous
}

// SetState installs a new current state, archiving the existing one.
func (r *SessionRecord) SetState(s *SessionState) {
	r.ArchiveCurrentState()
	r.current = s
}

// PromoteState moves previous[i] back to current, archiving the existing
// current state.
func (r *SessionRecord) PromoteState(i int) {
	if i < 0 || i >= len(r.previous) {
		return
	}
	s := r.previous[i]
	r.previous = append(r.previous[:i], r.previous[i+1:]...)
	r.SetState(s)
}

// ArchiveCurrentState marks the current state stale. History is retained so
// trailing messages still decrypt, but the record no longer has a usable
// sender chain. No-op when there is no current state.
func (r *SessionRecord) ArchiveCurrentState() {
	if r.current == nil {
		return
	}
	r.previous = append([]*SessionState{r.current}, r.previous...)
	if len(r.previous) > maxArchivedStates {
		r.previous = r.previous[:maxArchivedStates]
	}
	r.current = nil
}

// HasCurrentState reports whether the record can encrypt new messages.
func (r *SessionRecord) HasCurrentState() bool {
	return r.current != nil && r.current.SenderChain
}

// IsFresh reports whether the record holds no state at all.
func (r *SessionRecord) IsFresh() bool {
	return r.current == nil && len(r.previous) == 0
}

// RemoteRegistrationID returns the registration ID of the remote party.
// This is the ID that was provided during session establishment.
func (r *SessionRecord) RemoteRegistrationID() (uint32, error) {
	if r.current == nil {
		return 0, Errorf(ErrorCodeNoSession, "no current session state")
	}
	return r.current.RemoteRegistrationID, nil
}

// RemoteIdentityKey returns the identity key of the remote party bound to
// the current state.
func (r *SessionRecord) RemoteIdentityKey() (*PublicKey, error) {
	if r.current == nil || len(r.current.RemoteIdentityKey) == 0 {
		return nil, nil
	}
	return DeserializePublicKey(r.current.RemoteIdentityKey)
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	out := &SessionRecord{current: r.current.clone()}
	for _, p := range r.previous {
		out.previous = append(out.previous, p.clone())
	}
	return out
}

func (s *SessionState) clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.LocalIdentityKey = bytes.Clone(s.LocalIdentityKey)
	c.RemoteIdentityKey = bytes.Clone(s.RemoteIdentityKey)
	c.Body = bytes.Clone(s.Body)
	return &c
}

// Record layout:
//
//	SessionRecord { 1: current SessionState, 2: repeated previous SessionState }
//	SessionState  { 1: version, 2: local reg id, 3: remote reg id,
//	                4: local identity, 5: remote identity, 6: sender chain, 7: body }

// Serialize returns the serialized form of this session record.
func (r *SessionRecord) Serialize() ([]byte, error) {
	var b []byte
	if r.current != nil {
		b = wire.AppendMessage(b, 1, r.current.marshal())
	}
	for _, p := range r.previous {
		b = wire.AppendMessage(b, 2, p.marshal())
	}
	return b, nil
}

// DeserializeSessionRecord reconstructs a session record from serialized form.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidState, "session record: %v", err)
	}
	r := &SessionRecord{}
	for _, f := range fields {
		switch f.Num {
		case 1, 2:
			s, err := unmarshalSessionState(f.Bytes)
			if err != nil {
				return nil, err
			}
			if f.Num == 1 {
				r.current = s
			} else {
				r.previous = append(r.previous, s)
			}
		}
	}
	return r, nil
}

func (s *SessionState) marshal() []byte {
	var b []byte
	b = wire.AppendVarint(b, 1, uint64(s.Version))
	b = wire.AppendVarint(b, 2, uint64(s.LocalRegistrationID))
	b = wire.AppendVarint(b, 3, uint64(s.RemoteRegistrationID))
	b = wire.AppendBytes(b, 4, s.LocalIdentityKey)
	b = wire.AppendBytes(b, 5, s.RemoteIdentityKey)
	b = wire.AppendBool(b, 6, s.SenderChain)
	b = wire.AppendBytes(b, 7, s.Body)
	return b
}

func unmarshalSessionState(data []byte) (*SessionState, error) {
	fields, err := wire.Parse(data)
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidState, "session state: %v", err)
	}
	s := &SessionState{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			s.Version = uint32(f.Varint)
		case 2:
			s.LocalRegistrationID = uint32(f.Varint)
		case 3:
			s.RemoteRegistrationID = uint32(f.Varint)
		case 4:
			s.LocalIdentityKey = bytes.Clone(f.Bytes)
		case 5:
			s.RemoteIdentityKey = bytes.Clone(f.Bytes)
		case 6:
			s.SenderChain = f.Varint != 0
		case 7:
			s.Body = bytes.Clone(f.Bytes)
		}
	}
	return s, nil
}

// String summarises the record for logs without exposing key material.
func (r *SessionRecord) String() string {
	return fmt.Sprintf("session{current=%v senderChain=%v archived=%d}",
		r.current != nil, r.HasCurrentState(), len(r.previous))
}
