// Package admin exposes a websocket push channel operators can subscribe to
// for live credential health transitions and request fingerprints, so a
// dashboard doesn't have to poll the REST surface of internal/httpapi.
package admin

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// EventType names the kind of event carried by an Event frame.
type EventType string

const (
	// EventCredentialHealth fires whenever a credential's backoff state
	// changes, from internal/credpool.Pool.MarkFailure/MarkSuccess.
	EventCredentialHealth EventType = "credential_health"
	// EventRequestFingerprint fires once per completed proxy request, from
	// internal/pipeline.Pipeline.recordUsage.
	EventRequestFingerprint EventType = "request_fingerprint"
)

// Event is one JSON frame pushed to every connected admin subscriber.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// CredentialHealthPayload describes one credential's backoff transition.
type CredentialHealthPayload struct {
	Provider     string `json:"provider"`
	ConnectionID string `json:"connectionId"`
	BackoffLevel int    `json:"backoffLevel"`
	Healthy      bool   `json:"healthy"`
}

// RequestFingerprintPayload summarizes one completed request without
// carrying any prompt/response content, so the admin feed stays safe to
// broadcast to a dashboard with weaker trust than the proxy's own clients.
type RequestFingerprintPayload struct {
	MachineID      string `json:"machineId"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	StatusCode     int    `json:"statusCode"`
	Streaming      bool   `json:"streaming"`
	DurationMillis int64  `json:"durationMillis"`
}

// subscriber is one connected websocket client's outbound queue. Buffered so
// a slow reader doesn't block Broadcast; a full queue drops the event rather
// than stalling every other subscriber.
type subscriber struct {
	events chan Event
}

// Hub fans out Events to every currently-connected admin subscriber.
// Grounded on the teacher's agent/streaming.WebSocketStreamConnection
// write-serialization pattern, generalized from one connection to many.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	logger      *zap.Logger
}

// NewHub builds an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		logger:      logger.With(zap.String("component", "admin_hub")),
	}
}

// subscribe registers a new subscriber and returns it along with an unsubscribe
// func the caller must invoke once the connection ends.
func (h *Hub) subscribe() (*subscriber, func()) {
	sub := &subscriber{events: make(chan Event, 32)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		close(sub.events)
	}
}

// Broadcast pushes event to every connected subscriber, dropping it for any
// subscriber whose queue is currently full.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
			h.logger.Warn("admin subscriber queue full, dropping event", zap.String("type", string(event.Type)))
		}
	}
}

// NotifyCredentialHealth is the internal/credpool.Notifier seam: pushes a
// credential_health event.
func (h *Hub) NotifyCredentialHealth(provider, connectionID string, backoffLevel int) {
	h.Broadcast(Event{
		Type:      EventCredentialHealth,
		Timestamp: time.Now(),
		Payload: CredentialHealthPayload{
			Provider:     provider,
			ConnectionID: connectionID,
			BackoffLevel: backoffLevel,
			Healthy:      backoffLevel == 0,
		},
	})
}

// NotifyRequestFingerprint is the internal/pipeline.Notifier seam: pushes a
// request_fingerprint event.
func (h *Hub) NotifyRequestFingerprint(machineID, provider, model string, statusCode int, streaming bool, duration time.Duration) {
	h.Broadcast(Event{
		Type:      EventRequestFingerprint,
		Timestamp: time.Now(),
		Payload: RequestFingerprintPayload{
			MachineID:      machineID,
			Provider:       provider,
			Model:          model,
			StatusCode:     statusCode,
			Streaming:      streaming,
			DurationMillis: duration.Milliseconds(),
		},
	})
}

// Serve streams Events to an already accepted connection until the client
// disconnects or ctx is done. The HTTP handler performs the upgrade; Serve is
// exported separately so tests can drive it against a raw *websocket.Conn.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) error {
	sub, unsubscribe := h.subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("failed to marshal admin event", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		}
	}
}
