package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmproxy/proxy/internal/store"
)

type fakeTokenStore struct {
	updated bool
	access  string
	refresh string
	expires time.Time
}

func (f *fakeTokenStore) UpdateTokens(_ context.Context, _, accessToken, refreshToken string, expiresAt time.Time) error {
	f.updated = true
	f.access = accessToken
	f.refresh = refreshToken
	f.expires = expiresAt
	return nil
}

func strPtr(s string) *string { return &s }

func TestRefresher_SkipsWhenNotExpiringSoon(t *testing.T) {
	st := &fakeTokenStore{}
	r := New(st, map[string]Endpoint{"gemini-cli": {TokenURL: "http://unused"}}, nil)

	expiresAt := time.Now().Add(time.Hour)
	conn := &store.ProviderConnection{
		Provider: "gemini-cli", ConnectionID: "c1",
		RefreshToken: strPtr("rt"), ExpiresAt: &expiresAt,
	}

	refreshed := r.Ensure(context.Background(), conn)
	assert.False(t, refreshed)
	assert.False(t, st.updated)
}

func TestRefresher_SkipsWhenProviderUncatalogued(t *testing.T) {
	st := &fakeTokenStore{}
	r := New(st, map[string]Endpoint{}, nil)

	expiresAt := time.Now().Add(time.Minute)
	conn := &store.ProviderConnection{
		Provider: "openai", ConnectionID: "c1",
		RefreshToken: strPtr("rt"), ExpiresAt: &expiresAt,
	}

	refreshed := r.Ensure(context.Background(), conn)
	assert.False(t, refreshed)
}

func TestRefresher_RefreshesWithinBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "refresh_token", req.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", req.Form.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	st := &fakeTokenStore{}
	r := New(st, map[string]Endpoint{"gemini-cli": {TokenURL: srv.URL}}, nil)

	expiresAt := time.Now().Add(2 * time.Minute) // within the 5 min buffer
	conn := &store.ProviderConnection{
		Provider: "gemini-cli", ConnectionID: "c1",
		RefreshToken: strPtr("old-refresh"), ExpiresAt: &expiresAt,
	}

	refreshed := r.Ensure(context.Background(), conn)
	assert.True(t, refreshed)
	assert.True(t, st.updated)
	assert.Equal(t, "new-access", st.access)
	assert.Equal(t, "new-refresh", st.refresh)
	assert.Equal(t, "new-access", *conn.AccessToken)
}

func TestRefresher_FailureLeavesTokenUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := &fakeTokenStore{}
	r := New(st, map[string]Endpoint{"gemini-cli": {TokenURL: srv.URL}}, nil)

	expiresAt := time.Now().Add(time.Minute)
	conn := &store.ProviderConnection{
		Provider: "gemini-cli", ConnectionID: "c1",
		AccessToken: strPtr("stale-access"), RefreshToken: strPtr("rt"), ExpiresAt: &expiresAt,
	}

	refreshed := r.Ensure(context.Background(), conn)
	assert.False(t, refreshed)
	assert.False(t, st.updated)
	assert.Equal(t, "stale-access", *conn.AccessToken)
}
