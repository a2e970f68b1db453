package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WebSocketBroadcaster relays every published event to connected
// operator dashboards over a websocket. All connections share one bus
// subscription whose buffer drops the oldest event under backpressure
// rather than blocking the bus.
type WebSocketBroadcaster struct {
	bus *Bus
	log *zap.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	c  *websocket.Conn
	id uint64
}

// NewWebSocketBroadcaster constructs a broadcaster. Call ServeHTTP to
// handle incoming upgrade requests, and Run to pump bus events out to
// every connected client.
func NewWebSocketBroadcaster(bus *Bus, log *zap.Logger) *WebSocketBroadcaster {
	return &WebSocketBroadcaster{bus: bus, log: log, conns: make(map[*wsConn]struct{})}
}

// ServeHTTP upgrades the request to a websocket and registers the
// connection for broadcast until it disconnects or the request context
// is cancelled.
func (w *WebSocketBroadcaster) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(rw, r, &websocket.AcceptOptions{})
	if err != nil {
		w.log.Warn("telemetry: websocket upgrade failed", zap.Error(err))
		return
	}
	defer c.CloseNow()

	conn := &wsConn{c: c}
	w.mu.Lock()
	w.conns[conn] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.conns, conn)
		w.mu.Unlock()
	}()

	// The operator dashboard doesn't send anything meaningful back; block
	// reading until the client disconnects so we notice connection loss.
	for {
		if _, _, err := c.Read(r.Context()); err != nil {
			return
		}
	}
}

// Run pumps every bus event to every connected client until ctx is cancelled.
func (w *WebSocketBroadcaster) Run(ctx context.Context) {
	id, ch := w.bus.Subscribe(64, DropOldest)
	defer w.bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			w.broadcast(ctx, evt)
		}
	}
}

func (w *WebSocketBroadcaster) broadcast(ctx context.Context, evt Event) {
	payload, err := json.Marshal(wireEvent{Topic: string(evt.Topic), TS: evt.TS, Payload: evt.Payload})
	if err != nil {
		w.log.Warn("telemetry: failed to marshal event for websocket broadcast", zap.Error(err))
		return
	}

	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := conn.c.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			w.log.Debug("telemetry: dropping slow websocket client", zap.Error(err))
		}
	}
}

type wireEvent struct {
	Topic   string      `json:"topic"`
	TS      interface{} `json:"ts"`
	Payload interface{} `json:"payload"`
}
