package admin

import (
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Handler upgrades GET /admin/stream to a websocket connection once the
// bearer token validates, then hands the connection to a Hub.
type Handler struct {
	hub    *Hub
	secret []byte
	logger *zap.Logger
}

// NewHandler builds a Handler that authenticates with an HS256 JWT signed by
// secret. A narrower scheme than the teacher's JWTAuth (which also supports
// RS256 and tenant/role claims): the admin feed has one operator audience,
// not per-tenant principals, so only a shared-secret signature is checked.
func NewHandler(hub *Hub, secret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, secret: []byte(secret), logger: logger.With(zap.String("component", "admin_handler"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		http.Error(w, `{"error":{"message":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	if err := h.hub.Serve(r.Context(), conn); err != nil {
		h.logger.Debug("admin stream closed", zap.Error(err))
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "closing")
}

func (h *Handler) authenticate(r *http.Request) bool {
	if len(h.secret) == 0 {
		return true // admin auth disabled by configuration
	}
	raw := r.Header.Get("Authorization")
	raw = strings.TrimPrefix(raw, "Bearer ")
	if raw == "" {
		raw = r.URL.Query().Get("token") // browsers can't set headers on a WS upgrade
	}
	if raw == "" {
		return false
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return false
	}
	return true
}
