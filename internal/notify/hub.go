// Package notify pushes entitlement changes to connected clients over
// WebSocket. Delivery is best-effort; clients reconcile on reconnect via the
// pull endpoint.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rreusch2/parleyapp-entitlements/internal/entitlement"
	"github.com/rreusch2/parleyapp-entitlements/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Mobile clients connect without a browser origin.
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	clientSendSize = 16
)

// Message is the envelope pushed to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one WebSocket connection subscribed to a single account.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	id        string
	accountID string
}

type delivery struct {
	accountID string
	payload   []byte
}

// Hub fans entitlement updates out to the connections subscribed to each
// account.
type Hub struct {
	accounts   map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	deliveries chan delivery
	done       chan struct{}
	mu         sync.RWMutex

	// snapshot produces the current entitlement for a newly connected
	// client. Optional.
	snapshot func(accountID string) (any, error)
}

// NewHub creates a hub. snapshot may be nil; clients then receive only future
// updates.
func NewHub(snapshot func(accountID string) (any, error)) *Hub {
	return &Hub{
		accounts:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		deliveries: make(chan delivery, 256),
		done:       make(chan struct{}),
		snapshot:   snapshot,
	}
}

// Run drives registration and delivery until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Unblock pump goroutines stuck on register/unregister before
			// closing their connections.
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.accounts[client.accountID] == nil {
				h.accounts[client.accountID] = make(map[*Client]bool)
			}
			h.accounts[client.accountID][client] = true
			h.mu.Unlock()
			metrics.ConnectedClients.Inc()
			log.Debug().Str("client", client.id).Str("account_id", client.accountID).Msg("Sync client connected")
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.accounts[client.accountID]; ok && clients[client] {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.accounts, client.accountID)
				}
				close(client.send)
				metrics.ConnectedClients.Dec()
				log.Debug().Str("client", client.id).Str("account_id", client.accountID).Msg("Sync client disconnected")
			}
			h.mu.Unlock()

		case d := <-h.deliveries:
			h.deliver(d)
		}
	}
}

// PublishEntitlement implements entitlement.Publisher. It never blocks the
// caller; a full queue drops the push and the client catches up on next pull.
func (h *Hub) PublishEntitlement(accountID string, update entitlement.Update) {
	payload, err := json.Marshal(Message{Type: "entitlement", Data: update})
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to marshal entitlement update")
		return
	}
	select {
	case h.deliveries <- delivery{accountID: accountID, payload: payload}:
	default:
		log.Warn().Str("account_id", accountID).Msg("Sync delivery queue full, push dropped")
	}
}

// ClientCount returns the number of connected clients across all accounts.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.accounts {
		n += len(clients)
	}
	return n
}

// ServeWS upgrades the request and subscribes the connection to the account.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, clientSendSize),
		id:        uuid.NewString(),
		accountID: accountID,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// detach hands a client back to the hub loop, or gives up if the hub has
// already shut down.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.accounts[d.accountID]))
	for client := range h.accounts[d.accountID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- d.payload:
		default:
			// Slow consumer; drop the connection rather than the queue.
			h.drop(client)
		}
	}
}

func (h *Hub) sendSnapshot(client *Client) {
	if h.snapshot == nil {
		return
	}
	state, err := h.snapshot(client.accountID)
	if err != nil {
		log.Warn().Err(err).Str("account_id", client.accountID).Msg("Failed to load entitlement snapshot")
		return
	}
	payload, err := json.Marshal(Message{Type: "entitlement", Data: state})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal entitlement snapshot")
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.accounts[client.accountID]; ok && clients[client] {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.accounts, client.accountID)
		}
		close(client.send)
		metrics.ConnectedClients.Dec()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for accountID, clients := range h.accounts {
		for client := range clients {
			close(client.send)
			client.conn.Close()
			metrics.ConnectedClients.Dec()
		}
		delete(h.accounts, accountID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// Clients only listen; inbound frames just keep the connection alive.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
