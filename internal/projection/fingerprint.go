package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainProjection prefixes projection fingerprints. The version suffix
// leaves room for a future canonical form.
const DomainProjection = "thekeeper/projection/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns a stable hex digest of p. Two replicas that folded
// the same log prefix have the same fingerprint.
func Fingerprint(p Projection) (string, error) {
	canonical, err := MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("Fingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainProjection, canonical), nil
}
