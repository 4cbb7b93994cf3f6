package credpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Unauthorized(t *testing.T) {
	out := Classify(401, "invalid api key", 0, "openai", "")
	assert.True(t, out.Fallback)
	assert.Equal(t, cooldown401403, out.Cooldown)
	assert.Equal(t, 1, out.NewBackoffLevel)
}

func TestClassify_Forbidden(t *testing.T) {
	out := Classify(403, "forbidden", 2, "openai", "")
	assert.True(t, out.Fallback)
	assert.Equal(t, cooldown401403, out.Cooldown)
}

func TestClassify_RateLimitGrowsWithBackoffLevel(t *testing.T) {
	out0 := Classify(429, "rate limited", 0, "openai", "")
	out1 := Classify(429, "rate limited", 1, "openai", "")
	out2 := Classify(429, "rate limited", 2, "openai", "")

	assert.Equal(t, cooldownBase429, out0.Cooldown)
	assert.Equal(t, cooldownBase429*2, out1.Cooldown)
	assert.Equal(t, cooldownBase429*4, out2.Cooldown)
}

func TestClassify_RateLimitCappedAtOneHour(t *testing.T) {
	out := Classify(429, "rate limited", 20, "openai", "")
	assert.Equal(t, time.Hour, out.Cooldown)
}

func TestClassify_QuotaExceeded(t *testing.T) {
	out := Classify(402, "payment required", 0, "openai", "")
	assert.True(t, out.Fallback)
	assert.Equal(t, 24*time.Hour, out.Cooldown)
}

func TestClassify_ServerError(t *testing.T) {
	out := Classify(503, "internal error", 0, "openai", "")
	assert.True(t, out.Fallback)
	assert.Equal(t, cooldown5xx, out.Cooldown)
}

func TestClassify_NetworkError(t *testing.T) {
	out := Classify(0, "connection refused", 0, "openai", "")
	assert.True(t, out.Fallback)
	assert.Equal(t, cooldownNetwork, out.Cooldown)
}

func TestClassify_OtherFourXXDoesNotFallback(t *testing.T) {
	out := Classify(400, "bad request: missing field", 0, "openai", "")
	assert.False(t, out.Fallback)
}

func TestClassify_ErrorBodyTokenForcesRateLimitClassification(t *testing.T) {
	out := Classify(400, "insufficient_quota for this account", 0, "openai", "")
	assert.True(t, out.Fallback)
	assert.Equal(t, cooldownBase429, out.Cooldown)
}

func TestClassify_MultiBucketProviderLocksModelOnly(t *testing.T) {
	out := Classify(429, "rate limited", 0, "antigravity", "claude-3-opus")
	assert.True(t, out.Fallback)
	assert.True(t, out.ModelLockOnly)
	assert.Equal(t, modelLockCooldown, out.Cooldown)
}

func TestClassify_MultiBucketProviderWithoutModelLocksConnection(t *testing.T) {
	out := Classify(429, "rate limited", 0, "antigravity", "")
	assert.False(t, out.ModelLockOnly)
}

func TestIsMultiBucketProvider(t *testing.T) {
	assert.True(t, IsMultiBucketProvider("antigravity"))
	assert.False(t, IsMultiBucketProvider("openai"))
}
