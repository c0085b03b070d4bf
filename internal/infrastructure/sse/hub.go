package sse

import (
	"sync"
	"time"
)

// EventKind classifies fleet events on the operator stream.
type EventKind string

const (
	EventHealing EventKind = "healing"
	EventScaling EventKind = "scaling"
)

// Event is one operator-visible fleet event.
type Event struct {
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Client is one connected SSE consumer.
type Client struct {
	ClientID    string
	MessageChan chan *Event
	closeOnce   sync.Once
}

func NewClient(clientID string) *Client {
	return &Client{
		ClientID:    clientID,
		MessageChan: make(chan *Event, 32),
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.MessageChan) })
}

// Hub fans fleet events out to connected SSE clients. A slow client drops
// events instead of blocking the control loops.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers an event to every connected client, best effort.
func (h *Hub) Broadcast(kind EventKind, data interface{}) {
	event := &Event{Kind: kind, Timestamp: time.Now().UTC(), Data: data}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.MessageChan <- event:
		default:
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}
