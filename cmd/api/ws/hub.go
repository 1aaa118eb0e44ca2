// Package ws pushes ticket and message activity to connected technicians.
// Events originate anywhere in the api or worker process, travel through the
// Redis "events" channel, and fan out to websocket clients. A client receives
// desk-wide events plus the tickets it has subscribed to; managers receive
// everything.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	authpkg "github.com/ticketflow-io/ticketflow/cmd/api/auth"
)

// Event is one activity notification. TicketID scopes delivery: events with a
// ticket id only reach managers and clients subscribed to that ticket.
type Event struct {
	Type     string      `json:"type"`
	TicketID string      `json:"ticketId,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

var wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ws_clients",
	Help: "Number of connected WebSocket clients",
})

func init() { prometheus.MustRegister(wsClients) }

// PublishEvent sends an event to the Redis "events" channel.
func PublishEvent(ctx context.Context, rdb *redis.Client, ev Event) {
	if rdb == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = rdb.Publish(ctx, "events", b).Err()
}

// Hub tracks connected clients and fans incoming events out to them.
type Hub struct {
	rdb *redis.Client

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub constructs a Hub. rdb may be nil to disable cross-process broadcasting.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{rdb: rdb, clients: make(map[*Client]struct{})}
}

// Run consumes the Redis events channel until the context ends. Without a
// Redis client it blocks so local callers can still register clients.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb == nil {
		<-ctx.Done()
		return
	}
	sub := h.rdb.Subscribe(ctx, "events")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("drop malformed event")
				continue
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast delivers an event to every interested client. Clients whose send
// buffer is full are disconnected rather than allowed to stall the fan-out.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			close(c.send)
			wsClients.Dec()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	wsClients.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		wsClients.Dec()
	}
	h.mu.Unlock()
}

// Client is one websocket connection and its ticket subscriptions.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Event
	isManager bool

	mu   sync.Mutex
	subs map[string]struct{}
}

// NewClient constructs a client.
func NewClient(h *Hub, conn *websocket.Conn, isManager bool) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan Event, 8),
		isManager: isManager,
		subs:      make(map[string]struct{}),
	}
}

// Subscribe adds a ticket to the client's watch set.
func (c *Client) Subscribe(ticketID string) {
	c.mu.Lock()
	c.subs[ticketID] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes a ticket from the client's watch set.
func (c *Client) Unsubscribe(ticketID string) {
	c.mu.Lock()
	delete(c.subs, ticketID)
	c.mu.Unlock()
}

// wants reports whether an event should reach this client. Desk statistics
// are manager-only, managers see everything else too, and ticket-scoped
// events require a subscription.
func (c *Client) wants(ev Event) bool {
	if ev.Type == "desk_stats" {
		return c.isManager
	}
	if c.isManager || ev.TicketID == "" {
		return true
	}
	c.mu.Lock()
	_, ok := c.subs[ev.TicketID]
	c.mu.Unlock()
	return ok
}

// clientFrame is what the browser sends: subscribe/unsubscribe to a ticket.
type clientFrame struct {
	Action   string `json:"action"`
	TicketID string `json:"ticketId"`
}

// ReadPump consumes inbound frames until the connection drops. Subscription
// changes are the only frames with meaning; everything else is ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.TicketID == "" {
			continue
		}
		switch f.Action {
		case "subscribe":
			c.Subscribe(f.TicketID)
		case "unsubscribe":
			c.Unsubscribe(f.TicketID)
		}
	}
}

// WritePump writes queued events to the connection until it closes.
func (c *Client) WritePump(ctx context.Context) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

// Websocket upgrader with permissive CORS (expected to be protected by middleware).
var Upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Serve upgrades the request and attaches the caller to the hub.
func Serve(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := authpkg.CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		conn, err := Upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		cl := NewClient(h, conn, u.Role == "manager")
		h.Register(cl)
		go cl.WritePump(c.Request.Context())
		cl.ReadPump()
	}
}
