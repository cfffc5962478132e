package libsignal

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies one device of one participant: a name (ACI, PNI or
// phone number) plus a device ID. Addresses that share a name but differ in
// device ID are siblings.
type Address struct {
	Name     string
	DeviceID uint32
}

// NewAddress creates a new protocol address.
func NewAddress(name string, deviceID uint32) Address {
	return Address{Name: name, DeviceID: deviceID}
}

// String returns the "name.deviceID" form used for logging and for the
// sender-key shared-with table.
func (a Address) String() string {
	return a.Name + "." + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool {
	return a.Name == "" && a.DeviceID == 0
}

// Sibling returns the address of another device under the same name.
func (a Address) Sibling(deviceID uint32) Address {
	return Address{Name: a.Name, DeviceID: deviceID}
}

// ParseAddress parses the "name.deviceID" form produced by String.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("libsignal: malformed address %q", s)
	}
	dev, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return Address{}, fmt.Errorf("libsignal: malformed device id in %q: %w", s, err)
	}
	return Address{Name: s[:i], DeviceID: uint32(dev)}, nil
}
