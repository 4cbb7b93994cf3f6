// Package apikeys implements the two API-key formats described in spec §4.7:
// a structured format carrying a machine/key identifier pair authenticated by
// an HMAC checksum, and a legacy opaque random key that must be resolved
// through the store. The structured format lets the router recover the
// machine ID directly from the key, without touching the database, for the
// bare (non-prefixed) route forms.
package apikeys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	prefix       = "sk-"
	legacyLength = 8 // hex chars of random suffix for legacy keys
	crcLength    = 8 // hex chars of the truncated HMAC checksum
)

// Format distinguishes the two key shapes a caller may present.
type Format int

const (
	// FormatUnknown is returned when a string does not parse as either format.
	FormatUnknown Format = iota
	// FormatStructured is sk-{machineId}-{keyId}-{crc8}.
	FormatStructured
	// FormatLegacy is sk-{random8}, opaque and resolved via store lookup.
	FormatLegacy
)

// Verifier issues and checks structured keys against a shared HMAC secret.
// Legacy keys carry no machine information and are always treated as
// unresolved by Verifier; callers fall back to a store lookup for those.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier around the operator-configured CRC secret.
// Per spec §9's design note, this secret is a single shared value; rotating
// it invalidates every previously issued structured key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue generates a new structured key for (machineID, keyID).
func (v *Verifier) Issue(machineID, keyID string) string {
	return prefix + machineID + "-" + keyID + "-" + v.checksum(machineID, keyID)
}

// Parse classifies a presented key and, for the structured format, extracts
// and verifies the embedded machine/key IDs. ok is false for a structured key
// whose checksum does not match, or for any string that is neither format.
func (v *Verifier) Parse(key string) (format Format, machineID, keyID string, ok bool) {
	if !strings.HasPrefix(key, prefix) {
		return FormatUnknown, "", "", false
	}
	body := strings.TrimPrefix(key, prefix)
	parts := strings.Split(body, "-")

	switch {
	case len(parts) == 1 && len(parts[0]) == legacyLength:
		return FormatLegacy, "", "", true

	case len(parts) >= 3:
		crc := parts[len(parts)-1]
		kid := parts[len(parts)-2]
		mid := strings.Join(parts[:len(parts)-2], "-")
		if len(crc) != crcLength {
			return FormatUnknown, "", "", false
		}
		want := v.checksum(mid, kid)
		if !hmac.Equal([]byte(crc), []byte(want)) {
			return FormatStructured, mid, kid, false
		}
		return FormatStructured, mid, kid, true

	default:
		return FormatUnknown, "", "", false
	}
}

func (v *Verifier) checksum(machineID, keyID string) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(machineID + keyID))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:crcLength]
}

// GenerateLegacyKey produces a sk-{random8} key for backward-compatible
// issuance; the caller is responsible for persisting it against a machine ID
// in the store since the key itself carries none.
func GenerateLegacyKey() (string, error) {
	buf := make([]byte, legacyLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("apikeys: generate legacy key: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// GenerateKeyID produces a short random identifier for a new structured key.
func GenerateKeyID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("apikeys: generate key id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ExtractBearer pulls the credential out of an Authorization: Bearer header
// value or a raw X-Api-Key header value, whichever form was presented.
func ExtractBearer(authorizationHeader, xAPIKeyHeader string) string {
	if xAPIKeyHeader != "" {
		return xAPIKeyHeader
	}
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return strings.TrimPrefix(authorizationHeader, bearerPrefix)
	}
	return authorizationHeader
}
