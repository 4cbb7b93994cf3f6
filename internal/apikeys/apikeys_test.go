package apikeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_IssueAndParse(t *testing.T) {
	v := NewVerifier("test-secret")

	key := v.Issue("machine-1", "kid1")
	assert.True(t, len(key) > len(prefix))

	format, machineID, keyID, ok := v.Parse(key)
	require.True(t, ok)
	assert.Equal(t, FormatStructured, format)
	assert.Equal(t, "machine-1", machineID)
	assert.Equal(t, "kid1", keyID)
}

func TestVerifier_TamperedChecksumRejected(t *testing.T) {
	v := NewVerifier("test-secret")
	key := v.Issue("machine-1", "kid1")
	tampered := key[:len(key)-1] + "0"

	_, _, _, ok := v.Parse(tampered)
	assert.False(t, ok)
}

func TestVerifier_DifferentSecretsDisagree(t *testing.T) {
	issuer := NewVerifier("secret-a")
	checker := NewVerifier("secret-b")

	key := issuer.Issue("machine-1", "kid1")
	_, _, _, ok := checker.Parse(key)
	assert.False(t, ok)
}

func TestVerifier_ParseLegacyKey(t *testing.T) {
	v := NewVerifier("test-secret")
	legacy, err := GenerateLegacyKey()
	require.NoError(t, err)

	format, _, _, ok := v.Parse(legacy)
	assert.True(t, ok)
	assert.Equal(t, FormatLegacy, format)
}

func TestVerifier_ParseUnknownFormat(t *testing.T) {
	v := NewVerifier("test-secret")

	format, _, _, ok := v.Parse("not-a-key")
	assert.False(t, ok)
	assert.Equal(t, FormatUnknown, format)
}

func TestVerifier_MachineIDWithHyphens(t *testing.T) {
	v := NewVerifier("test-secret")
	key := v.Issue("my-machine-name", "kid2")

	_, machineID, keyID, ok := v.Parse(key)
	require.True(t, ok)
	assert.Equal(t, "my-machine-name", machineID)
	assert.Equal(t, "kid2", keyID)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc", ""))
	assert.Equal(t, "xyz", ExtractBearer("Bearer abc", "xyz"))
	assert.Equal(t, "abc", ExtractBearer("abc", ""))
	assert.Equal(t, "", ExtractBearer("", ""))
}
