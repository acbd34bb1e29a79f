package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"token-trader/internal/execution"
	"token-trader/internal/storage"
)

// Event is one message pushed to websocket clients.
type Event struct {
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Event types.
const (
	EventSnapshot = "snapshot"
	EventRefresh  = "refresh"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	pongWait     = 60 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans snapshot-changed events out to websocket clients. A client whose
// buffer is full is dropped rather than slowing everyone else down.
type Hub struct {
	store  storage.Repository
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs a hub.
func NewHub(store storage.Repository, logger zerolog.Logger) *Hub {
	return &Hub{
		store:   store,
		logger:  logger.With().Str("component", "ws_hub").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast pushes an event to every client.
func (h *Hub) Broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Msg("client too slow, dropping")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// OnResult implements execution.Listener: every state change is pushed.
func (h *Hub) OnResult(ctx context.Context, r execution.Result) {
	if !r.Changed() {
		return
	}
	h.pushAsset(context.WithoutCancel(ctx), r.AssetID)
}

func (h *Hub) pushAsset(ctx context.Context, assetID int64) {
	snap, err := BuildSnapshot(ctx, h.store, assetID)
	if err != nil {
		h.logger.Error().Err(err).Int64("asset_id", assetID).Msg("build snapshot")
		return
	}
	h.Broadcast(Event{Type: EventSnapshot, At: time.Now().UTC(), Snapshot: &snap})
}

// RunPush periodically re-broadcasts the snapshot of every open position
// so that mark-to-market values stay current. It blocks until ctx is done.
func (h *Hub) RunPush(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if h.ClientCount() == 0 {
			continue
		}
		open, err := h.store.ListPositions(ctx, true, 0)
		if err != nil {
			h.logger.Error().Err(err).Msg("list open positions")
			continue
		}
		for _, p := range open {
			h.pushAsset(ctx, p.AssetID)
		}
		h.Broadcast(Event{Type: EventRefresh, At: time.Now().UTC()})
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// serve runs the pumps of one connection until it closes.
func (h *Hub) serve(conn *websocket.Conn) {
	c := h.register(conn)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
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

var _ execution.Listener = (*Hub)(nil)
