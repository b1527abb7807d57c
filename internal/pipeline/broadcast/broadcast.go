// Package broadcast implements the real-time broadcast service (C10): a
// WebSocket hub that authenticates subscribers via bearer JWT, pushes an
// initial metrics snapshot on connect, and then reactively/periodically
// pushes pipeline, queue, and hardware updates. Grounded on
// other_examples' pipegen dashboard-server websocket hub (connection
// registry, broadcast ticker, disconnect-on-write-error) generalized to
// this domain's auth and event model.
package broadcast

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/document-pipeline-core/infrastructure/logging"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
)

const (
	readTimeout      = 60 * time.Second
	idleHeartbeat    = 30 * time.Second
	writeBackpressureLimit = 3
)

// Frame is the envelope every pushed message shares.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscriber is one connected, authenticated WebSocket client.
type Subscriber struct {
	UserID      string
	Permissions []string
	ConnectedAt time.Time

	conn         *websocket.Conn
	send         chan Frame
	failedWrites int
}

func (s *Subscriber) hasPermission(p string) bool {
	for _, have := range s.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Claims is the JWT payload this hub expects: a subject, and a
// space-delimited permissions claim.
type Claims struct {
	jwt.RegisteredClaims
	Permissions string `json:"permissions"`
}

// Hub tracks connected subscribers and periodically broadcasts pipeline
// state to all of them.
type Hub struct {
	secret       []byte
	upgrader     websocket.Upgrader
	metrics      *metricssvc.Service
	logger       *logging.Logger
	tick         time.Duration

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}

	stop chan struct{}
}

// New returns a Hub. secret is the HMAC key used to verify subscriber
// JWTs; tick is the broadcast interval (defaults to 1s if <= 0).
func New(secret []byte, metrics *metricssvc.Service, logger *logging.Logger, tick time.Duration) *Hub {
	if tick <= 0 {
		tick = time.Second
	}
	return &Hub{
		secret:  secret,
		metrics: metrics,
		logger:  logger,
		tick:    tick,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*Subscriber]struct{}),
		stop:        make(chan struct{}),
	}
}

func (h *Hub) authenticate(r *http.Request) (*Subscriber, error) {
	token := extractBearer(r)
	if token == "" {
		return nil, jwt.ErrTokenMalformed
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return h.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	perms := strings.Fields(claims.Permissions)
	sub := &Subscriber{
		UserID:      claims.Subject,
		Permissions: perms,
		ConnectedAt: time.Now(),
		send:        make(chan Frame, 16),
	}
	if !sub.hasPermission("monitoring:read") {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}

// Upgrade validates the bearer JWT's monitoring:read permission and
// upgrades the connection. A request with no bearer token is rejected
// with an HTTP 401 before the handshake; a token that is invalid or
// lacks the permission is closed after upgrade with policy violation
// (1008) so the client gets a proper WebSocket close frame rather than
// a bare TCP reset.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) {
	if extractBearer(r) == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub, err := h.authenticate(r)
	if err != nil {
		closeWithCode(conn, websocket.ClosePolicyViolation, "invalid or insufficient permissions")
		return
	}
	sub.conn = conn

	h.register(sub)
	defer h.unregister(sub)

	h.pushSnapshot(sub)

	go h.writeLoop(sub)
	h.readLoop(sub)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (h *Hub) register(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
}

func (h *Hub) unregister(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	close(sub.send)
	_ = sub.conn.Close()
}

func (h *Hub) pushSnapshot(sub *Subscriber) {
	ctx := context.Background()
	snapshot := map[string]any{
		"pipeline": h.metrics.GetPipelineMetrics(ctx),
		"queue":    h.metrics.GetQueueMetrics(ctx),
		"hardware": h.metrics.GetHardwareMetrics(ctx),
	}
	sub.send <- Frame{Type: "initial_data", Payload: snapshot}
}

func (h *Hub) readLoop(sub *Subscriber) {
	sub.conn.SetReadDeadline(time.Now().Add(readTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *Subscriber) {
	heartbeat := time.NewTicker(idleHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case frame, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := sub.conn.WriteJSON(frame); err != nil {
				_ = sub.conn.Close()
				return
			}
		case <-heartbeat.C:
			sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = sub.conn.Close()
				return
			}
		}
	}
}

// Emit pushes a reactive event — e.g. a stage-tracker or alert-service
// transition — to every connected subscriber without waiting for the
// next broadcast tick. Satisfies stagetracker.Emitter.
func (h *Hub) Emit(eventType string, payload map[string]any) {
	h.broadcast(Frame{Type: eventType, Payload: payload})
}

func (h *Hub) broadcast(frame Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- frame:
			sub.failedWrites = 0
		default:
			sub.failedWrites++
			if sub.failedWrites >= writeBackpressureLimit {
				if h.logger != nil {
					h.logger.WithFields(map[string]interface{}{"user_id": sub.UserID}).
						Warn("dropping slow websocket subscriber")
				}
				go func(s *Subscriber) { h.unregister(s) }(sub)
			}
		}
	}
}

// Run drives the periodic broadcast loop until ctx is cancelled: every
// tick it pushes pipeline_update and queue_update; every fifth tick it
// also pushes hardware_update.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			n++
			h.broadcast(Frame{Type: "pipeline_update", Payload: h.metrics.GetPipelineMetrics(ctx)})
			h.broadcast(Frame{Type: "queue_update", Payload: h.metrics.GetQueueMetrics(ctx)})
			if n%5 == 0 {
				h.broadcast(Frame{Type: "hardware_update", Payload: h.metrics.GetHardwareMetrics(ctx)})
			}
		}
	}
}

// Close stops the broadcast loop and disconnects every subscriber.
func (h *Hub) Close() {
	close(h.stop)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		_ = sub.conn.Close()
	}
}

// SubscriberCount reports the number of currently connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	return r.URL.Query().Get("token")
}
