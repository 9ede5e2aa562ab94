// Package socket implements channel.Port over a realtime WebSocket
// connection, using coder/websocket. It is the "live session" consumer
// the event bus pushes to directly (see eventbus.Bus) when a client is
// connected; when no client is connected for a user, Send returns an
// error and the caller falls back to the event queue.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/graphbot/graphbot/channel"
)

const channelName = "socket"

// frame is the wire shape for both directions: {"text": "..."} inbound,
// {"type": "message", "text": "..."} outbound.
type frame struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
}

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub fans inbound WebSocket traffic into a Processor and outbound
// Sends to every connection open for a user. One user may have more
// than one live connection (multiple tabs/devices); all receive a push.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*client]struct{}
	processor channel.Processor
	logger    *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// NewHub builds a Hub that routes inbound frames to processor.
func NewHub(processor channel.Processor, opts ...Option) *Hub {
	h := &Hub{
		clients:   make(map[string]map[*client]struct{}),
		processor: processor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection to a WebSocket and serves it for
// userID (resolved by the caller's auth middleware — this package does
// not perform authentication) until the connection closes or ctx ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("socket: accept", "error", err)
		return
	}
	ctx := r.Context()

	c := &client{conn: conn, userID: userID, send: make(chan []byte, 16)}
	h.register(c)
	defer h.unregister(c)

	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	close(c.send)
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for data := range c.send {
		if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var in frame
		if err := json.Unmarshal(data, &in); err != nil || in.Text == "" {
			continue
		}
		reply, _, err := h.processor.Process(ctx, c.userID, channelName, in.Text, false)
		if err != nil {
			h.logger.Error("socket: process turn", "user_id", c.userID, "error", err)
			continue
		}
		if reply == "" {
			continue
		}
		out, err := json.Marshal(frame{Type: "message", Text: reply})
		if err != nil {
			continue
		}
		select {
		case c.send <- out:
		default:
			h.logger.Warn("socket: dropping reply, client send buffer full", "user_id", c.userID)
		}
	}
}

// Send implements channel.Port: pushes text to every live connection
// open for userID. Returns an error if none is connected, so callers
// (the event bus's realtime consumer) can fall back to the durable
// queue instead of losing the message.
func (h *Hub) Send(_ context.Context, userID, _ string, text string) error {
	h.mu.RLock()
	set, ok := h.clients[userID]
	clients := make([]*client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if !ok || len(clients) == 0 {
		return fmt.Errorf("socket: no live connection for user %q", userID)
	}

	data, err := json.Marshal(frame{Type: "message", Text: text})
	if err != nil {
		return fmt.Errorf("socket: marshal frame: %w", err)
	}
	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("socket: dropping push, client send buffer full", "user_id", userID)
		}
	}
	return nil
}

var _ channel.Port = (*Hub)(nil)
