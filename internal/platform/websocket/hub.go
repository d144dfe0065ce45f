// Package websocket pushes team store changes to connected clients. Each
// client belongs to one user and receives the events of that user's session,
// optionally narrowed to a set of teams.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/team"
)

// Message is one store change as sent to clients.
type Message struct {
	Kind      team.EventKind `json:"kind"`
	TeamID    string         `json:"teamId,omitempty"`
	PatientID string         `json:"patientId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Teams  []string `json:"teams"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte

	mu    sync.Mutex
	teams map[string]struct{}
}

func NewClient(userID string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Send:   make(chan []byte, 64),
		teams:  make(map[string]struct{}),
	}
}

// wants reports whether an event about teamID goes to c. A client following
// no team gets everything; events without a team go to every client.
func (c *Client) wants(teamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if teamID == "" || len(c.teams) == 0 {
		return true
	}
	_, ok := c.teams[teamID]
	return ok
}

func (c *Client) Follow(teamIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range teamIDs {
		c.teams[id] = struct{}{}
	}
}

func (c *Client) Unfollow(teamIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range teamIDs {
		delete(c.teams, id)
	}
}

// Hub tracks the connected clients per user. All operations are thread-safe.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	logger zerolog.Logger
	now    func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		users:  make(map[string]map[*Client]struct{}),
		logger: logger.With().Str("component", "websocket").Logger(),
		now:    time.Now,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[*Client]struct{})
	}
	h.users[c.UserID][c] = struct{}{}
}

// Unregister removes c and closes its Send channel. Unknown clients are
// ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.users[c.UserID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.users, c.UserID)
	}
	close(c.Send)
}

// ProcessMessage handles an inbound ClientMessage.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		c.Follow(msg.Teams)
	case "unsubscribe":
		c.Unfollow(msg.Teams)
	}
}

// Publish sends e to the clients of userID. Slow clients miss messages
// rather than block the store.
func (h *Hub) Publish(userID string, e team.Event) {
	data, err := json.Marshal(Message{Kind: e.Kind, TeamID: e.TeamID, PatientID: e.PatientID, Timestamp: h.now().UTC()})
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		if !c.wants(e.TeamID) {
			continue
		}
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("user_id", userID).Msg("client buffer full, event dropped")
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.users {
		n += len(clients)
	}
	return n
}

// UserCount returns the number of connections of userID.
func (h *Hub) UserCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections whose Origin is in origins ("*" allows
// any). Requests without an Origin header come from non-browser clients and
// are accepted.
func NewHandler(hub *Hub, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// Serve upgrades the connection of userID, registers the client with the
// hub, and starts read/write pumps.
func (h *Handler) Serve(c echo.Context, userID string) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already answered the request.
		return nil
	}

	client := NewClient(userID)
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
