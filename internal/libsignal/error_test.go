package libsignal

import (
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	base := Errorf(ErrorCodeNoSession, "no session for %s", "bob.1")
	wrapped := fmt.Errorf("decrypt: %w", base)

	if got := CodeOf(wrapped); got != ErrorCodeNoSession {
		t.Errorf("CodeOf = %v, want %v", got, ErrorCodeNoSession)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrorCodeUnknown {
		t.Errorf("CodeOf(plain) = %v, want unknown", got)
	}
}

func TestErrorCodeString(t *testing.T) {
	if s := ErrorCodeUntrustedIdentity.String(); s != "untrusted identity" {
		t.Errorf("String = %q", s)
	}
	if s := ErrorCode(999).String(); s != "code(999)" {
		t.Errorf("String = %q", s)
	}
}
