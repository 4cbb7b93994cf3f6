package credpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmproxy/proxy/internal/apperr"
	"github.com/llmproxy/proxy/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createConn(t *testing.T, s *store.Store, machineID, connID, provider string, priority int) {
	t.Helper()
	require.NoError(t, s.DB().Create(&store.ProviderConnection{
		MachineID: machineID, ConnectionID: connID, Provider: provider,
		IsActive: true, Priority: priority,
	}).Error)
}

func TestPool_Select_FillFirst_PicksLowestPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "a", "openai", 1)
	createConn(t, s, "m1", "b", "openai", 2)

	p := New(s, nil, nil, "fill-first", 3)
	v, err := p.Select(ctx, "m1", "openai", "", "")
	require.NoError(t, err)
	require.Equal(t, "a", v.ConnectionID)
}

func TestPool_Select_FillFirstFallbackScenario(t *testing.T) {
	// spec §8 scenario 1: A (priority 1), B (priority 2), both active.
	// first pick A; mark A 429 with 0 retry-after-equivalent; re-select picks B.
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "a", "openai", 1)
	createConn(t, s, "m1", "b", "openai", 2)

	p := New(s, nil, nil, "fill-first", 3)

	v, err := p.Select(ctx, "m1", "openai", "", "")
	require.NoError(t, err)
	require.Equal(t, "a", v.ConnectionID)

	require.NoError(t, p.MarkFailure(ctx, "a", 429, "RATE_LIMITED", "rate limit exceeded", ""))

	v2, err := p.Select(ctx, "m1", "openai", "", "")
	require.NoError(t, err)
	require.Equal(t, "b", v2.ConnectionID)
}

func TestPool_Select_NoCredentialsWhenNoneConfigured(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := New(s, nil, nil, "fill-first", 3)
	_, err := p.Select(ctx, "m1", "openai", "", "")
	require.Error(t, err)
	require.Equal(t, apperr.CodeNoCredentials, apperr.CodeOf(err))
}

func TestPool_Select_AllRateLimitedReturnsEarliestExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "a", "openai", 1)
	createConn(t, s, "m1", "b", "openai", 2)

	p := New(s, nil, nil, "fill-first", 3)
	require.NoError(t, p.MarkFailure(ctx, "a", 429, "RATE_LIMITED", "rate limit", ""))
	require.NoError(t, p.MarkFailure(ctx, "b", 429, "RATE_LIMITED", "rate limit", ""))

	_, err := p.Select(ctx, "m1", "openai", "", "")
	require.Error(t, err)
	appErr, ok := err.(*apperr.Error)
	require.True(t, ok)
	require.Equal(t, apperr.CodeAllRateLimited, appErr.Code)
	require.GreaterOrEqual(t, appErr.RetryAfter, 1)
}

func TestPool_MarkSuccess_ClearsBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "a", "openai", 1)

	p := New(s, nil, nil, "fill-first", 3)
	require.NoError(t, p.MarkFailure(ctx, "a", 500, "UPSTREAM_ERROR", "boom", ""))
	require.NoError(t, p.MarkSuccess(ctx, "a"))

	conn, err := s.GetConnection(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, conn.Status)
	require.Equal(t, 0, conn.BackoffLevel)
}

func TestPool_Select_StickyRoundRobin(t *testing.T) {
	// spec §8 scenario 2: sticky round-robin reuses the current connection
	// until stickyLimit consecutive uses, then rotates.
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "a", "openai", 1)
	createConn(t, s, "m1", "b", "openai", 2)

	p := New(s, nil, nil, "round-robin", 2)

	first, err := p.Select(ctx, "m1", "openai", "", "")
	require.NoError(t, err)

	second, err := p.Select(ctx, "m1", "openai", "", "")
	require.NoError(t, err)
	require.Equal(t, first.ConnectionID, second.ConnectionID)

	third, err := p.Select(ctx, "m1", "openai", "", "")
	require.NoError(t, err)
	require.NotEqual(t, second.ConnectionID, third.ConnectionID)
}

func TestPool_MultiBucketModelLock_ExcludesOnlyLockedModel(t *testing.T) {
	// spec §8 scenario 6
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "x", "antigravity", 1)

	p := New(s, nil, nil, "fill-first", 3)
	require.NoError(t, p.MarkFailure(ctx, "x", 429, "RATE_LIMITED", "rate limit", "claude-3-opus"))

	_, err := p.Select(ctx, "m1", "antigravity", "", "gemini-pro")
	require.NoError(t, err)

	_, err = p.Select(ctx, "m1", "antigravity", "", "claude-3-opus")
	require.Error(t, err)
}

func TestPool_Select_ExcludesGivenConnectionID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	createConn(t, s, "m1", "a", "openai", 1)
	createConn(t, s, "m1", "b", "openai", 2)

	p := New(s, nil, nil, "fill-first", 3)
	v, err := p.Select(ctx, "m1", "openai", "a", "")
	require.NoError(t, err)
	require.Equal(t, "b", v.ConnectionID)
}
