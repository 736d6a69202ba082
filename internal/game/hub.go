package game

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	log "github.com/sirupsen/logrus"
)

// Client is one websocket viewer attached to a room.
type Client struct {
	conn     *websocket.Conn
	playerID string
	room     string
	admin    bool
	mu       sync.Mutex
}

// Hub fans events out to room viewers and the admin control channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

// RegisterClient attaches a connection to a room.
func (h *Hub) RegisterClient(conn *websocket.Conn, playerID, room string, admin bool) *Client {
	client := &Client{
		conn:     conn,
		playerID: playerID,
		room:     room,
		admin:    admin,
	}
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"player": playerID,
		"room":   room,
		"total":  total,
	}).Info("client connected")
	return client
}

// UnregisterClient detaches a connection and closes it.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if client.conn != nil {
			client.conn.Close()
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	log.WithFields(log.Fields{
		"player": client.playerID,
		"room":   client.room,
		"total":  total,
	}).Info("client disconnected")
}

// Deliver sends an event to every client matching the target. It returns
// an error when the target has no connected recipients, so the delivery
// layer keeps retrying until a viewer is there to acknowledge.
func (h *Hub) Deliver(target Target, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}

	h.mu.RLock()
	var recipients []*Client
	for client := range h.clients {
		if h.matches(client, target) {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for event %s", event.Type)
	}
	for _, client := range recipients {
		go client.send(data)
	}
	return nil
}

func (h *Hub) matches(client *Client, target Target) bool {
	if target.Admin {
		return client.admin
	}
	if client.admin {
		// Admin viewers also see their room's player traffic.
		return target.Room != "" && client.room == target.Room
	}
	if target.PlayerID != "" {
		return client.playerID == target.PlayerID && client.room == target.Room
	}
	return client.room == target.Room
}

// RoomViewerCount reports connected non-admin viewers for a room.
func (h *Hub) RoomViewerCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for client := range h.clients {
		if !client.admin && client.room == room {
			count++
		}
	}
	return count
}

// ClientCount reports all connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.WithError(err).WithField("player", c.playerID).Warn("websocket write failed")
	}
}

// SendEvent writes one event directly to this client, outside the
// reliable delivery path (synchronous replies, pongs).
func (c *Client) SendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Warn("failed to marshal direct event")
		return
	}
	c.send(data)
}

// PlayerID identifies the connected player.
func (c *Client) PlayerID() string { return c.playerID }

// Room identifies the room the client watches.
func (c *Client) Room() string { return c.room }
