package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/cdp/pkg/cdp"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// eventEnvelope is the wire form of one engine event.
type eventEnvelope struct {
	Type      string    `json:"type"`
	Data      cdp.Event `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFeed broadcasts engine events to websocket subscribers. It
// implements cdp.EventSink; slow or dead clients are dropped rather
// than allowed to block the engine.
type EventFeed struct {
	upgrader   websocket.Upgrader
	logger     log.Logger
	clients    map[*feedClient]bool
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewEventFeed creates a feed hub. Run must be called before clients
// connect.
func NewEventFeed(logger log.Logger) *EventFeed {
	if logger == nil {
		logger = log.Root().New("module", "feed")
	}
	return &EventFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:     logger,
		clients:    make(map[*feedClient]bool),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		broadcast:  make(chan []byte, 256),
	}
}

// Run owns the client set until ctx is cancelled.
func (f *EventFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range f.clients {
				close(client.send)
				client.conn.Close()
			}
			return
		case client := <-f.register:
			f.clients[client] = true
		case client := <-f.unregister:
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
			}
		case msg := <-f.broadcast:
			for client := range f.clients {
				select {
				case client.send <- msg:
				default:
					delete(f.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Publish implements cdp.EventSink.
func (f *EventFeed) Publish(ev cdp.Event) {
	data, err := json.Marshal(eventEnvelope{
		Type:      string(ev.Type),
		Data:      ev,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		f.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	select {
	case f.broadcast <- data:
	default:
		f.logger.Warn("event feed backlogged, dropping event", "type", ev.Type)
	}
}

// ServeHTTP upgrades the connection and streams events until the
// client goes away.
func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &feedClient{conn: conn, send: make(chan []byte, sendBufferSize)}
	f.register <- client

	go client.writePump()
	go client.readPump(f)
}

func (c *feedClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards inbound frames; the feed is one-way. Its job is
// to notice the close handshake.
func (c *feedClient) readPump(f *EventFeed) {
	defer func() {
		f.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
