package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHandler_RejectsMissingToken(t *testing.T) {
	h := NewHandler(NewHub(zap.NewNop()), "secret", zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_AcceptsValidToken(t *testing.T) {
	hub := NewHub(zap.NewNop())
	h := NewHandler(hub, "secret", zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + signed
	conn, _, err := websocket.Dial(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hub.NotifyCredentialHealth("openai", "conn-1", 0)

	_, data, err := conn.Read(t.Context())
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, EventCredentialHealth, evt.Type)
}

func TestHub_BroadcastDropsOnFullQueue(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub, unsubscribe := hub.subscribe()
	defer unsubscribe()

	for i := 0; i < 64; i++ {
		hub.NotifyRequestFingerprint("m1", "openai", "gpt-4", 200, false, time.Millisecond)
	}

	assert.LessOrEqual(t, len(sub.events), cap(sub.events))
}
