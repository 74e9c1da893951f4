package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nbploc08/backend-core-platform/internal/events"
	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/internal/platform/metrics"
)

// TokenVerifier is the slice of the token verifier the gateway needs.
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// NotificationActions handles read-state changes requested over the socket.
// Implementations forward to the notification service and return the user's
// new unread count.
type NotificationActions interface {
	MarkRead(ctx context.Context, userID, notificationID string) (unread int, err error)
	MarkAllRead(ctx context.Context, userID string) (unread int, err error)
}

// Envelope is the wire frame in both directions: an event name plus an
// event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// conn wraps a websocket connection with a write lock; gorilla connections
// allow only one concurrent writer.
type conn struct {
	id     string
	userID string
	sock   *websocket.Conn
	mu     sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteJSON(v)
}

// Gateway upgrades HTTP requests to authenticated WebSocket connections and
// fans events out to a user's live sockets. It satisfies events.UserEmitter.
type Gateway struct {
	registry *Registry
	verifier TokenVerifier
	actions  NotificationActions
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewGateway(registry *Registry, verifier TokenVerifier, actions NotificationActions, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		registry: registry,
		verifier: verifier,
		actions:  actions,
		logger:   logger,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from arbitrary origins; auth happens via the
			// token handshake, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// credential extracts the bearer token from the handshake request, checking
// the token query parameter, then auth, then the Authorization header.
func credential(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t := r.URL.Query().Get("auth"); t != "" {
		return t
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}

// ServeHTTP handles the /ws endpoint: authenticate, upgrade, register, then
// pump inbound frames until the peer goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := credential(r)
	if raw == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	identity, err := g.verifier.Verify(raw)
	if err != nil {
		g.logger.Warn("websocket handshake rejected", "error", err)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if identity.Class != token.ClassUser || identity.UserID == "" {
		http.Error(w, "user token required", http.StatusUnauthorized)
		return
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{id: uuid.NewString(), userID: identity.UserID, sock: sock}
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	g.registry.Register(c.userID, c.id)
	if g.metrics != nil {
		g.metrics.WSConnections.Inc()
	}
	g.logger.Info("websocket connected", "userId", c.userID, "socketId", c.id)

	if err := c.writeJSON(outbound{Event: "authenticated", Data: map[string]string{"socketId": c.id}}); err != nil {
		g.drop(c)
		return
	}

	g.readLoop(r.Context(), c)
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	defer g.drop(c)
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read ended", "socketId", c.id, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Debug("discarding malformed frame", "socketId", c.id, "error", err)
			continue
		}
		g.handleFrame(ctx, c, env)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *conn, env Envelope) {
	switch env.Event {
	case "ping":
		_ = c.writeJSON(outbound{Event: "pong", Data: map[string]int64{"timestamp": time.Now().UnixMilli()}})

	case events.WSNotificationRead:
		var payload struct {
			NotificationID string `json:"notificationId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.NotificationID == "" {
			_ = c.writeJSON(outbound{Event: "error", Data: map[string]string{"message": "notificationId required"}})
			return
		}
		unread, err := g.actions.MarkRead(ctx, c.userID, payload.NotificationID)
		if err != nil {
			g.logger.Warn("mark read failed", "userId", c.userID, "notificationId", payload.NotificationID, "error", err)
			_ = c.writeJSON(outbound{Event: "error", Data: map[string]string{"message": "could not mark notification read"}})
			return
		}
		g.EmitToUser(c.userID, events.WSUnreadCountUpdated, map[string]int{"unreadCount": unread})

	case events.WSNotificationReadAll:
		unread, err := g.actions.MarkAllRead(ctx, c.userID)
		if err != nil {
			g.logger.Warn("mark all read failed", "userId", c.userID, "error", err)
			_ = c.writeJSON(outbound{Event: "error", Data: map[string]string{"message": "could not mark notifications read"}})
			return
		}
		g.EmitToUser(c.userID, events.WSUnreadCountUpdated, map[string]int{"unreadCount": unread})

	default:
		g.logger.Debug("ignoring unknown event", "event", env.Event, "socketId", c.id)
	}
}

func (g *Gateway) drop(c *conn) {
	g.mu.Lock()
	_, live := g.conns[c.id]
	delete(g.conns, c.id)
	g.mu.Unlock()
	if !live {
		return
	}
	g.registry.Unregister(c.id)
	if g.metrics != nil {
		g.metrics.WSConnections.Dec()
	}
	_ = c.sock.Close()
	g.logger.Info("websocket disconnected", "userId", c.userID, "socketId", c.id)
}

// EmitToUser sends an event to every live socket of the user. An offline user
// is a silent no-op; their notifications wait in storage until the next fetch.
func (g *Gateway) EmitToUser(userID, event string, payload any) {
	socketIDs := g.registry.SocketsByUser(userID)
	if len(socketIDs) == 0 {
		g.logger.Debug("user offline, skipping emit", "userId", userID, "event", event)
		return
	}
	frame := outbound{Event: event, Data: payload}
	for _, id := range socketIDs {
		g.mu.RLock()
		c := g.conns[id]
		g.mu.RUnlock()
		if c == nil {
			continue
		}
		if err := c.writeJSON(frame); err != nil {
			g.logger.Warn("websocket write failed, dropping connection",
				"userId", userID, "socketId", id, "error", err)
			g.drop(c)
			continue
		}
		if g.metrics != nil {
			g.metrics.WSEventsEmitted.Inc()
		}
	}
}

// Broadcast sends an event to every live socket regardless of user.
func (g *Gateway) Broadcast(event string, payload any) {
	g.mu.RLock()
	targets := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	frame := outbound{Event: event, Data: payload}
	for _, c := range targets {
		if err := c.writeJSON(frame); err != nil {
			g.drop(c)
			continue
		}
		if g.metrics != nil {
			g.metrics.WSEventsEmitted.Inc()
		}
	}
}

// Close tears down every live connection, for shutdown.
func (g *Gateway) Close() {
	g.mu.RLock()
	targets := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()
	for _, c := range targets {
		g.drop(c)
	}
}
