package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps how many buffered events a late subscriber receives on
// subscribe. Past it the client gets a catchup.overflow marker and should
// reload state through the regular API instead.
const catchupLimit = 200

// clientMessage is what WebSocket clients send to the hub.
type clientMessage struct {
	Action  string `json:"action"` // subscribe | unsubscribe | ping
	Channel string `json:"channel,omitempty"`
}

// Hub fans telemetry events out to WebSocket clients, scoped by channel
// (conversation id). Each process owns one Hub; it subscribes itself to the
// in-process Bus.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*conn

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel → connection ids

	bufferMu sync.Mutex
	buffers  map[string][][]byte // channel → recent event payloads

	writeTimeout time.Duration
	sub          *Subscription
}

// conn is a single WebSocket client. subscriptions is only touched by the
// goroutine running HandleConnection for that client.
type conn struct {
	id            string
	ws            *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub builds a hub attached to the bus.
func NewHub(bus *Bus, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	h := &Hub{
		connections:  make(map[string]*conn),
		channels:     make(map[string]map[string]bool),
		buffers:      make(map[string][][]byte),
		writeTimeout: writeTimeout,
	}
	if bus != nil {
		h.sub = bus.Subscribe(h.publish)
	}
	return h
}

// Close detaches the hub from the bus and closes all client connections.
func (h *Hub) Close() {
	h.sub.Close()
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// publish buffers and broadcasts one bus event.
func (h *Hub) publish(e Event) {
	if e.Channel == "" {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("failed to marshal telemetry event", "type", string(e.Type), "error", err)
		return
	}

	h.bufferMu.Lock()
	buf := append(h.buffers[e.Channel], data)
	if len(buf) > catchupLimit {
		buf = buf[len(buf)-catchupLimit:]
	}
	h.buffers[e.Channel] = buf
	h.bufferMu.Unlock()

	h.broadcast(e.Channel, data)
}

// broadcast sends raw bytes to every subscriber of a channel.
func (h *Hub) broadcast(channel string, data []byte) {
	h.channelMu.RLock()
	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	conns := make([]*conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := h.sendRaw(c, data); err != nil {
			slog.Warn("failed to send to WebSocket client", "connection_id", c.id, "error", err)
		}
	}
}

// HandleConnection owns one client from upgrade to close. Blocks until the
// connection drops.
func (h *Hub) HandleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{
		id:            uuid.New().String(),
		ws:            ws,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()
	defer h.dropConnection(c)

	h.sendJSON(c, map[string]string{"type": "connection.established", "connection_id": c.id})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

func (h *Hub) handleClientMessage(c *conn, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		h.subscribe(c, msg.Channel)
		h.sendJSON(c, map[string]string{"type": "subscription.confirmed", "channel": msg.Channel})
		h.catchup(c, msg.Channel)
	case "unsubscribe":
		if msg.Channel == "" {
			h.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		h.unsubscribe(c, msg.Channel)
	case "ping":
		h.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (h *Hub) subscribe(c *conn, channel string) {
	h.channelMu.Lock()
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][c.id] = true
	h.channelMu.Unlock()
	c.subscriptions[channel] = true
}

func (h *Hub) unsubscribe(c *conn, channel string) {
	h.channelMu.Lock()
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

// catchup replays buffered channel events so late subscribers see the full
// run so far. Consumers reconcile ordering via sequence fields, so replay
// followed by live events is safe.
func (h *Hub) catchup(c *conn, channel string) {
	h.bufferMu.Lock()
	buf := make([][]byte, len(h.buffers[channel]))
	copy(buf, h.buffers[channel])
	h.bufferMu.Unlock()

	for _, data := range buf {
		if err := h.sendRaw(c, data); err != nil {
			slog.Warn("failed to send catchup event", "connection_id", c.id, "error", err)
			return
		}
	}
	if len(buf) == catchupLimit {
		h.sendJSON(c, map[string]any{"type": "catchup.overflow", "channel": channel})
	}
}

func (h *Hub) dropConnection(c *conn) {
	for ch := range c.subscriptions {
		h.unsubscribe(c, ch)
	}
	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}

func (h *Hub) sendRaw(c *conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
