package protocolstore

import (
	"log"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// LocalAccount describes the local user: the identifiers it is known by and
// the key material of its two identities.
type LocalAccount struct {
	ACI      libsignal.ServiceID
	PNI      libsignal.ServiceID
	E164     string
	DeviceID uint32

	ACIIdentity       *libsignal.IdentityKeyPair
	ACIRegistrationID uint32
	PNIIdentity       *libsignal.IdentityKeyPair
	PNIRegistrationID uint32
}

// IsSelf reports whether an address name is one of the local identifiers.
func (a *LocalAccount) IsSelf(name string) bool {
	if name == "" {
		return false
	}
	return (!a.ACI.IsZero() && name == a.ACI.String()) ||
		(!a.PNI.IsZero() && name == a.PNI.String()) ||
		(a.E164 != "" && name == a.E164)
}

// ownKey returns the local identity key held for one of the local names.
// The phone number maps to the ACI identity.
func (a *LocalAccount) ownKey(name string) *libsignal.PublicKey {
	if !a.PNI.IsZero() && name == a.PNI.String() {
		if a.PNIIdentity == nil {
			return nil
		}
		return a.PNIIdentity.PublicKey
	}
	if a.ACIIdentity == nil {
		return nil
	}
	return a.ACIIdentity.PublicKey
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
