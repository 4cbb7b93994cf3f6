package credpool

import (
	"sync"
	"time"
)

// Locker places and checks short-lived locks on a (connectionId, model) pair,
// used for multi-bucket providers whose 429s should only exclude one model
// family on a connection rather than the whole connection (spec §4.3/§4.8
// scenario 6).
type Locker interface {
	Lock(connectionID, model string, ttl time.Duration)
	Locked(connectionID, model string) bool
}

// memoryLocker is the in-memory Locker used in single-instance deployments
// (spec's Non-goals exclude multi-replica coordination, so no shared backend
// ships by default; see DESIGN.md's Open Question decision). Expiry is lazy:
// entries are only reaped when checked or superseded, matching spec's
// "cooldowns are advisory" framing for the connection-level equivalent.
type memoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
}

// NewMemoryLocker constructs the default in-memory Locker.
func NewMemoryLocker() Locker {
	return &memoryLocker{locks: make(map[string]time.Time)}
}

func lockKey(connectionID, model string) string {
	return connectionID + "\x00" + model
}

func (l *memoryLocker) Lock(connectionID, model string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locks[lockKey(connectionID, model)] = time.Now().Add(ttl)
}

func (l *memoryLocker) Locked(connectionID, model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockKey(connectionID, model)
	expiry, ok := l.locks[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(l.locks, key)
		return false
	}
	return true
}
