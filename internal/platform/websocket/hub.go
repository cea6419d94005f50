// Package websocket pushes notification feed changes to connected UI
// clients. Each connection is bound to the authenticated user and only ever
// receives events for that user's feed.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/auth"
)

// Event types pushed to clients.
const (
	EventSnapshot = "feed.snapshot"
	EventIngested = "feed.ingested"
	EventRead     = "feed.read"
	EventCleared  = "feed.cleared"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Event is one feed change for a recipient.
type Event struct {
	Type        string          `json:"type"`
	RecipientID string          `json:"recipientId"`
	UnreadCount int             `json:"unreadCount"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound request from a client. The only action is
// "sync", which asks for a fresh snapshot.
type ClientMessage struct {
	Action string `json:"action"`
}

// EventPublisher is what feed owners push changes through.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// SnapshotFunc builds the snapshot event sent on connect and on "sync". ctx
// carries the client's identity (auth.UserIDFromContext, auth.RoleFromContext).
type SnapshotFunc func(ctx context.Context, recipientID string) (Event, error)

// Client is a single connection.
type Client struct {
	ID          string
	RecipientID string
	Role        string
	Send        chan []byte
}

func NewClient(recipientID string) *Client {
	return &Client{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Send:        make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients per recipient.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.RecipientID] == nil {
		h.clients[client.RecipientID] = make(map[*Client]struct{})
	}
	h.clients[client.RecipientID][client] = struct{}{}
}

// Unregister removes the client and closes its Send channel. Unregistering
// twice is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[client.RecipientID]
	if !ok {
		return
	}
	if _, ok := subs[client]; !ok {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.clients, client.RecipientID)
	}
	close(client.Send)
}

// Broadcast sends event to every client of event.RecipientID. A client
// whose buffer is full misses the event; it can recover with "sync".
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.RecipientID] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("type", event.Type).Msg("client buffer full, event dropped")
		}
	}
}

// Publish implements EventPublisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.Broadcast(event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

func (h *Hub) RecipientCount(recipientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[recipientID])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	hub      *Hub
	snapshot SnapshotFunc
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler binds a handler to hub. allowedOrigins empty accepts any
// origin.
func NewHandler(hub *Hub, snapshot SnapshotFunc, allowedOrigins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub:      hub,
		snapshot: snapshot,
		logger:   logger,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect expects auth middleware to have put the user on the request
// context.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	recipientID := auth.UserIDFromContext(ctx)
	if recipientID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(recipientID)
	client.Role = auth.RoleFromContext(ctx)
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client_id", client.ID).Str("recipient_id", recipientID).Msg("websocket connected")

	wsh.sendSnapshot(client)
	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) sendSnapshot(client *Client) {
	if wsh.snapshot == nil {
		return
	}
	// the snapshot outlives the upgrade request, so only the identity is carried
	ctx := auth.WithIdentity(context.Background(), client.RecipientID, client.Role)
	ev, err := wsh.snapshot(ctx, client.RecipientID)
	if err != nil {
		wsh.logger.Warn().Err(err).Str("recipient_id", client.RecipientID).Msg("snapshot failed")
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "sync" {
			wsh.sendSnapshot(client)
		}
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
