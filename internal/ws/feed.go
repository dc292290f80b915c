// Package ws exposes the live portfolio feed: each connection subscribes to
// the event bus for one user key and receives refresh notifications.
// Deliveries are at-least-once; clients re-fetch state on every message.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradewire/orderstate/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Feed upgrades HTTP connections and bridges them to bus subscriptions.
type Feed struct {
	bus      *bus.Bus
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewFeed creates a feed over the given bus.
func NewFeed(b *bus.Bus, logger *zap.Logger) *Feed {
	return &Feed{
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the fronting auth layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// frame is what the feed writes per event.
type frame struct {
	Kind     bus.EventKind `json:"kind"`
	UserType string        `json:"user_type"`
	UserID   string        `json:"user_id"`
	Payload  interface{}   `json:"payload,omitempty"`
}

// ServeHTTP upgrades the connection and streams events for the user named in
// the query string until either side closes.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userType := r.URL.Query().Get("user_type")
	userID := r.URL.Query().Get("user_id")
	if userType == "" || userID == "" {
		http.Error(w, "user_type and user_id are required", http.StatusBadRequest)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := f.bus.Subscribe(userType, userID)
	go f.writePump(conn, sub)
	f.readPump(conn, sub)
}

// readPump drains client frames to process control messages and detect
// disconnects; the feed is one-directional otherwise.
func (f *Feed) readPump(conn *websocket.Conn, sub *bus.Subscription) {
	defer func() {
		f.bus.Unsubscribe(sub)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards bus events and keeps the connection alive with pings.
func (f *Feed) writePump(conn *websocket.Conn, sub *bus.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Subscription evicted or bus stopped.
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			out := frame{Kind: ev.Kind, UserType: ev.UserType, UserID: ev.UserID}
			if len(ev.Payload) > 0 {
				out.Payload = ev.Payload
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
