package notify

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WSHub serves live notifications to WebSocket clients. Each connection
// subscribes to the bus, optionally filtered by organization id via the
// ?organizationId query parameter.
type WSHub struct {
	bus      *Bus
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewWSHub builds the hub over the given bus.
func NewWSHub(bus *Bus, logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// ServeHTTP upgrades and streams notifications until the client hangs
// up or falls too far behind.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var orgFilter int64
	if raw := r.URL.Query().Get("organizationId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid organizationId", http.StatusBadRequest)
			return
		}
		orgFilter = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(sub)
	h.log.Debug("websocket client connected", "remote", r.RemoteAddr, "orgFilter", orgFilter)

	// Reader goroutine: we ignore client frames but need the pump for
	// close detection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n, ok := <-sub:
			if !ok {
				return
			}
			if orgFilter != 0 && n.OrganizationID != orgFilter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				h.log.Debug("websocket write failed, dropping client",
					"remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
