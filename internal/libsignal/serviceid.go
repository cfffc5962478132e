package libsignal

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ServiceKind distinguishes the two service identifier namespaces.
type ServiceKind uint8

const (
	ServiceKindACI ServiceKind = iota
	ServiceKindPNI
)

// ServiceID is an account identifier: an ACI (the account's permanent
// identity) or a PNI (the identity bound to its phone number).
type ServiceID struct {
	Kind ServiceKind
	UUID uuid.UUID
}

// ACI returns the ACI service id for u.
func ACI(u uuid.UUID) ServiceID { return ServiceID{Kind: ServiceKindACI, UUID: u} }

// PNI returns the PNI service id for u.
func PNI(u uuid.UUID) ServiceID { return ServiceID{Kind: ServiceKindPNI, UUID: u} }

// String returns the string form: a bare UUID for an ACI and "PNI:<uuid>"
// for a PNI.
func (s ServiceID) String() string {
	if s.Kind == ServiceKindPNI {
		return "PNI:" + s.UUID.String()
	}
	return s.UUID.String()
}

// IsZero reports whether s is unset.
func (s ServiceID) IsZero() bool {
	return s.UUID == uuid.Nil
}

// ParseServiceID parses the String form. "ACI:" prefixes are accepted.
func ParseServiceID(s string) (ServiceID, error) {
	kind := ServiceKindACI
	switch {
	case strings.HasPrefix(s, "PNI:"):
		kind, s = ServiceKindPNI, s[4:]
	case strings.HasPrefix(s, "ACI:"):
		s = s[4:]
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return ServiceID{}, fmt.Errorf("libsignal: parse service id: %w", err)
	}
	return ServiceID{Kind: kind, UUID: u}, nil
}
