// Package streaming fans bus events out to WebSocket observers.
package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/logger"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// clientBuffer is the per-client send queue. A client that cannot keep
	// up is dropped; transcripts are durable in the store.
	clientBuffer = 256
)

// Frame is the envelope delivered to observers.
type Frame struct {
	Subject string     `json:"subject"`
	Event   *bus.Event `json:"event"`
}

// Hub tracks connected observers and broadcasts bus events to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	logger     *logger.Logger

	subs []bus.Subscription
}

// NewHub returns an idle hub; call Run to start it and Bridge to attach it
// to the event bus.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		logger:     log.WithFields(zap.String("component", "streaming")),
	}
}

// Bridge subscribes the hub to every observer-facing subject. The ticket
// wildcard already covers the stuck subject.
func (h *Hub) Bridge(eventBus bus.EventBus) error {
	subjects := []string{
		"ticket.>",
		events.ConsoleSubject,
	}
	for _, subject := range subjects {
		sub, err := eventBus.Subscribe(subject, h.forward)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// forward serializes one bus event into the broadcast queue. Dropped when
// the queue is full; the bus must never block producers.
func (h *Hub) forward(ctx context.Context, event *bus.Event) error {
	// Handlers do not see the delivery subject; the event type is what
	// observers filter on.
	frame := Frame{Subject: event.Type, Event: event}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug("Broadcast queue full, frame dropped")
	}
	return nil
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			for _, sub := range h.subs {
				_ = sub.Unsubscribe()
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Observer connected", zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("Observer disconnected", zap.Int("clients", len(h.clients)))
			}

		case data := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow client: drop it rather than block the hub.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Client is one connected observer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// newClient registers a connection with the hub and starts its pumps.
func newClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	hub.register <- client
	go client.writePump()
	go client.readPump()
	return client
}

// readPump discards inbound frames and watches for disconnect.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump flushes the send queue and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
