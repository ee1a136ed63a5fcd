// Package ws streams run events to operator clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/autopack/internal/domain/event"
	"github.com/Strob0t/autopack/internal/port/broadcast"
)

const writeTimeout = 5 * time.Second

// conn wraps a single WebSocket connection. A non-empty runID limits the
// connection to events of that run.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	runID  string
}

// Hub manages all active WebSocket connections and broadcasts events.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
	now   func() time.Time
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
		now:   time.Now,
	}
}

// HandleWS upgrades the request. ?run_id= subscribes to a single run.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{ws: ws, cancel: cancel, runID: r.URL.Query().Get("run_id")}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr, "run_id", c.runID)

	// Read loop detects disconnects and consumes pings.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// BroadcastEvent wraps payload in an envelope and sends it to every client
// interested in its run.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(event.Envelope{
		Type:      event.Type(eventType),
		Payload:   data,
		CreatedAt: h.now().UTC(),
	})
	if err != nil {
		slog.Error("marshal ws envelope", "type", eventType, "error", err)
		return
	}
	h.broadcast(ctx, runIDOf(data), msg)
}

func (h *Hub) broadcast(ctx context.Context, runID string, data []byte) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.runID == "" || c.runID == runID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "error", err)
			h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected", "run_id", c.runID)
	}
}

// runIDOf extracts run_id from an event payload for filtering.
func runIDOf(payload []byte) string {
	var probe struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.RunID
}
