package credpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryLocker_LockAndCheck(t *testing.T) {
	l := NewMemoryLocker()

	assert.False(t, l.Locked("conn-1", "claude-3-opus"))

	l.Lock("conn-1", "claude-3-opus", 50*time.Millisecond)
	assert.True(t, l.Locked("conn-1", "claude-3-opus"))

	// a different model on the same connection is unaffected
	assert.False(t, l.Locked("conn-1", "gemini-pro"))
}

func TestMemoryLocker_ExpiresLazily(t *testing.T) {
	l := NewMemoryLocker()
	l.Lock("conn-1", "claude-3-opus", 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	assert.False(t, l.Locked("conn-1", "claude-3-opus"))
}
