package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/capture"
	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

const (
	liveWriteWait  = 2 * time.Second
	livePingPeriod = 30 * time.Second
	livePongWait   = 2 * livePingPeriod
	liveBuffer     = 64
)

// liveHub streams record summaries to websocket clients. Each connection
// gets its own feed subscription; a client that falls behind loses events.
type liveHub struct {
	feed     *capture.Feed
	upgrader websocket.Upgrader
}

func newLiveHub(feed *capture.Feed) *liveHub {
	return &liveHub{
		feed: feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// liveConn serializes writes; gorilla connections allow one writer at a time.
type liveConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *liveConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return c.ws.WriteJSON(v)
}

func (c *liveConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait))
}

func (h *liveHub) handleWS(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		respondError(w, http.StatusServiceUnavailable, "Live feed not available")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &liveConn{ws: ws}
	events, unsubscribe := h.feed.Subscribe(liveBuffer)
	defer unsubscribe()
	defer ws.Close()

	logging.L.Debug("live subscriber connected", zap.String("remote", r.RemoteAddr))

	// keepalive reads to detect client close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = ws.SetReadDeadline(time.Now().Add(livePongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.writeJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
