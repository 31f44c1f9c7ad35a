package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medic-agent/medic/internal/events"
	"github.com/medic-agent/medic/internal/metrics"
)

// writeWait bounds one websocket write; a peer slower than this is dropped.
const writeWait = 10 * time.Second

// Feed bridges the event hub onto websocket connections. The client set is
// owned by the run goroutine alone; handlers talk to it over the register
// and unregister channels.
type Feed struct {
	hub     *events.Hub
	logger  *zap.Logger
	metrics *metrics.Metrics

	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	// done is closed when run exits so handler goroutines never block on
	// a channel nobody drains.
	done chan struct{}

	upgrader websocket.Upgrader
}

func newFeed(hub *events.Hub, logger *zap.Logger, m *metrics.Metrics) *Feed {
	return &Feed{
		hub:        hub,
		logger:     logger.Named("feed"),
		metrics:    m,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			// The surface is operator-facing and already behind the API
			// network boundary; browsers on any origin may watch.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// run fans hub events out to every connected client until ctx is canceled.
func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	src := f.hub.Subscribe()
	defer f.hub.Unsubscribe(src)

	clients := make(map[*websocket.Conn]bool)
	defer func() {
		for conn := range clients {
			conn.Close()
		}
	}()

	drop := func(conn *websocket.Conn) {
		delete(clients, conn)
		conn.Close()
		f.metrics.WSClientConnected(-1)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-f.register:
			clients[conn] = true
			f.metrics.WSClientConnected(1)
			f.logger.Info("feed client connected", zap.Int("clients", len(clients)))

		case conn := <-f.unregister:
			if clients[conn] {
				drop(conn)
				f.logger.Info("feed client disconnected", zap.Int("clients", len(clients)))
			}

		case ev, ok := <-src:
			if !ok {
				return
			}
			payload, err := ev.JSON()
			if err != nil {
				f.logger.Warn("event not serializable", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			for conn := range clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					drop(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades the request and parks the connection on the feed
// until the peer goes away.
func (f *Feed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	select {
	case f.register <- conn:
	case <-f.done:
		conn.Close()
		return
	}

	go f.drain(conn)
}

// drain consumes the peer's frames so closure is noticed and control
// messages are answered, then hands the connection back for removal.
func (f *Feed) drain(conn *websocket.Conn) {
	defer func() {
		select {
		case f.unregister <- conn:
		case <-f.done:
			conn.Close()
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
