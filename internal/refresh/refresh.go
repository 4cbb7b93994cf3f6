// Package refresh implements the per-provider OAuth token refresh of spec
// §4.4: before dispatch, if a connection's access token expires within 5
// minutes, refresh it and write the new tokens back; on failure, proceed
// with the stale token and let the resulting 401 drive a credential hop.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmproxy/proxy/internal/store"
	"github.com/llmproxy/proxy/internal/tlsutil"
)

// expiryBuffer is the "expiresAt - now < 5 min" window of spec §4.4.
const expiryBuffer = 5 * time.Minute

// Endpoint is one provider's OAuth token endpoint and client credentials,
// the static table referenced by spec §6's provider catalogue.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Catalogue is the default static endpoint table. Providers absent from it
// are assumed to use non-expiring API keys and are never refreshed.
var Catalogue = map[string]Endpoint{
	"gemini-cli": {TokenURL: "https://oauth2.googleapis.com/token"},
	"antigravity": {TokenURL: "https://oauth2.googleapis.com/token"},
	"qwen": {TokenURL: "https://chat.qwen.ai/api/v1/oauth2/token"},
}

// TokenStore is the persistence seam Refresher depends on, satisfied by
// *store.Store.
type TokenStore interface {
	UpdateTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error
}

// Refresher refreshes OAuth tokens via each provider's static endpoint.
type Refresher struct {
	client     *http.Client
	catalogue  map[string]Endpoint
	store      TokenStore
	logger     *zap.Logger
}

// New constructs a Refresher. A nil catalogue uses the package default.
func New(st TokenStore, catalogue map[string]Endpoint, logger *zap.Logger) *Refresher {
	if catalogue == nil {
		catalogue = Catalogue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		client:    tlsutil.SecureHTTPClient(15 * time.Second),
		catalogue: catalogue,
		store:     st,
		logger:    logger.With(zap.String("component", "refresh")),
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Ensure refreshes conn's access token in place if it is within the expiry
// buffer and the provider has a catalogued OAuth endpoint. It never returns
// an error that should abort the request: failures are logged and the
// caller proceeds with whatever token the connection currently carries, per
// spec §4.4's "log and proceed" directive. The boolean reports whether a
// refresh was actually attempted and succeeded.
func (r *Refresher) Ensure(ctx context.Context, conn *store.ProviderConnection) bool {
	if conn.ExpiresAt == nil || conn.RefreshToken == nil || *conn.RefreshToken == "" {
		return false
	}
	if time.Until(*conn.ExpiresAt) >= expiryBuffer {
		return false
	}

	endpoint, ok := r.catalogue[conn.Provider]
	if !ok {
		return false
	}

	newAccess, newRefresh, expiresIn, err := r.call(ctx, endpoint, *conn.RefreshToken)
	if err != nil {
		r.logger.Warn("token refresh failed, proceeding with stale token",
			zap.String("connection_id", conn.ConnectionID),
			zap.String("provider", conn.Provider),
			zap.Error(err))
		return false
	}

	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if newRefresh == "" {
		newRefresh = *conn.RefreshToken
	}
	if err := r.store.UpdateTokens(ctx, conn.ConnectionID, newAccess, newRefresh, expiresAt); err != nil {
		r.logger.Warn("failed to persist refreshed token", zap.Error(err))
		return false
	}

	access := newAccess
	conn.AccessToken = &access
	refresh := newRefresh
	conn.RefreshToken = &refresh
	conn.ExpiresAt = &expiresAt

	return true
}

func (r *Refresher) call(ctx context.Context, endpoint Endpoint, refreshToken string) (accessToken, refreshTokenOut string, expiresIn int, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if endpoint.ClientID != "" {
		form.Set("client_id", endpoint.ClientID)
	}
	if endpoint.ClientSecret != "" {
		form.Set("client_secret", endpoint.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", 0, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", "", 0, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", "", 0, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", 0, fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", "", 0, fmt.Errorf("refresh response missing access_token")
	}
	if out.ExpiresIn <= 0 {
		out.ExpiresIn = 3600
	}
	return out.AccessToken, out.RefreshToken, out.ExpiresIn, nil
}
