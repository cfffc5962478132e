package signal

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strings"
)

const fingerprintIterations = 5200

// SafetyNumber returns the 60-digit safety number between the local ACI
// identity and the stored identity of name. Both sides compute the same
// number.
func (k *Keystore) SafetyNumber(ctx context.Context, name string) (string, error) {
	if k.stores == nil {
		return "", ErrNotLoaded
	}
	rec, err := k.stores.Identities.GetIdentityRecord(ctx, name)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("signal: no identity stored for %s", name)
	}
	acct := k.stores.Account
	return safetyNumber(acct.ACI.String(), acct.ACIIdentity.PublicKey.Serialize(), name, rec.IdentityKey.Serialize()), nil
}

// safetyNumber orders the two parties by id and concatenates their
// fingerprints.
func safetyNumber(id1 string, key1 []byte, id2 string, key2 []byte) string {
	if id2 < id1 {
		id1, key1, id2, key2 = id2, key2, id1, key1
	}
	return fingerprint(id1, key1) + fingerprint(id2, key2)
}

// fingerprint computes the 30-digit fingerprint of one party.
func fingerprint(id string, key []byte) string {
	hash := sha512.New()
	hash.Write([]byte{0x00, 0x00})
	hash.Write(key)
	hash.Write([]byte(id))
	digest := hash.Sum(nil)

	for i := 1; i < fingerprintIterations; i++ {
		hash.Reset()
		hash.Write(digest)
		hash.Write(key)
		digest = hash.Sum(nil)
	}

	// Six 5-byte chunks, each reduced to five digits.
	var b strings.Builder
	for i := range 6 {
		var padded [8]byte
		copy(padded[3:], digest[i*5:i*5+5])
		fmt.Fprintf(&b, "%05d", binary.BigEndian.Uint64(padded[:])%100000)
	}
	return b.String()
}

// FormatSafetyNumber splits a safety number into lines of four 5-digit groups.
func FormatSafetyNumber(sn string) string {
	var lines []string
	for i := 0; i < len(sn); i += 20 {
		line := sn[i:min(i+20, len(sn))]
		var groups []string
		for j := 0; j < len(line); j += 5 {
			groups = append(groups, line[j:min(j+5, len(line))])
		}
		lines = append(lines, strings.Join(groups, " "))
	}
	return strings.Join(lines, "\n")
}
