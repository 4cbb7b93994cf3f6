package credpool

import (
	"strings"
	"time"
)

// multiBucketProviders enforce rate limits per model family rather than per
// account (spec §4.3/§GLOSSARY); a 429 against one of these only locks the
// (connection, model) pair instead of the whole connection.
var multiBucketProviders = map[string]bool{
	"antigravity": true,
}

// IsMultiBucketProvider reports whether provider splits quota by model.
func IsMultiBucketProvider(provider string) bool {
	return multiBucketProviders[provider]
}

// rateLimitTokens are error-body substrings that force 429 classification
// regardless of the reported HTTP status (spec §4.3).
var rateLimitTokens = []string{"rate limit", "quota", "insufficient_quota", "unavailable"}

// Outcome is the result of classifying one upstream failure.
type Outcome struct {
	Fallback         bool          // whether this failure should trigger a credential hop
	Cooldown         time.Duration // cooldown to apply (connection- or model-level, per Classify's caller)
	NewBackoffLevel  int
	ModelLockOnly    bool // true when only a (connection, model) lock should be set, not the DB status
}

const (
	cooldown401403 = 60 * time.Second
	cooldownBase429 = 30 * time.Second
	cooldownCap429  = time.Hour
	cooldown402     = 24 * time.Hour
	cooldown5xx     = 30 * time.Second
	cooldownNetwork = 15 * time.Second
	modelLockCooldown = 5 * time.Minute
)

// Classify implements the fallback policy table of spec §4.3: a pure
// function of the upstream HTTP status, the raw error body, the connection's
// current backoff level, and whether the failing provider is multi-bucket.
//
// httpStatus is 0 for a network-level failure (no response received).
func Classify(httpStatus int, errorBody string, backoffLevel int, provider, model string) Outcome {
	status := effectiveStatus(httpStatus, errorBody)

	switch {
	case status == 401 || status == 403:
		return Outcome{Fallback: true, Cooldown: cooldown401403, NewBackoffLevel: backoffLevel + 1}

	case status == 429:
		cd := cooldownBase429 * (1 << uint(clampShift(backoffLevel)))
		if cd > cooldownCap429 {
			cd = cooldownCap429
		}
		out := Outcome{Fallback: true, Cooldown: cd, NewBackoffLevel: backoffLevel + 1}
		if IsMultiBucketProvider(provider) && model != "" {
			out.ModelLockOnly = true
			out.Cooldown = modelLockCooldown
		}
		return out

	case status == 402:
		return Outcome{Fallback: true, Cooldown: cooldown402, NewBackoffLevel: backoffLevel + 1}

	case status >= 500 && status < 600:
		return Outcome{Fallback: true, Cooldown: cooldown5xx, NewBackoffLevel: backoffLevel + 1}

	case httpStatus == 0:
		return Outcome{Fallback: true, Cooldown: cooldownNetwork, NewBackoffLevel: backoffLevel + 1}

	default:
		// other 4xx: surfaced to the client, no credential hop.
		return Outcome{Fallback: false, NewBackoffLevel: backoffLevel}
	}
}

// effectiveStatus upgrades any status to 429 when the error body carries a
// known rate-limit/quota token, per spec §4.3.
func effectiveStatus(httpStatus int, errorBody string) int {
	lower := strings.ToLower(errorBody)
	for _, tok := range rateLimitTokens {
		if strings.Contains(lower, tok) {
			return 429
		}
	}
	return httpStatus
}

// clampShift bounds the 2^level exponent so cooldownBase429*2^level cannot
// overflow time.Duration before the explicit cap is applied.
func clampShift(level int) int {
	const maxShift = 10 // 30s * 2^10 ≈ 8.5h, already past the 1h cap
	if level < 0 {
		return 0
	}
	if level > maxShift {
		return maxShift
	}
	return level
}
