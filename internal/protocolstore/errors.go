package protocolstore

import (
	"fmt"
	"strings"

	"github.com/gwillem/signal-keystore/internal/libsignal"
)

// NoSessionError is returned by LoadExisting when a requested address has
// no stored session.
type NoSessionError struct {
	Requested []libsignal.Address
	Missing   []libsignal.Address
}

func (e *NoSessionError) Error() string {
	names := make([]string, len(e.Missing))
	for i, a := range e.Missing {
		names[i] = a.String()
	}
	return fmt.Sprintf("no session for %d of %d addresses: %s",
		len(e.Missing), len(e.Requested), strings.Join(names, ", "))
}
