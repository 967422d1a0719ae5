// pkg/socket/conn.go

package socket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	cerr "github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

type client struct {
	conn  *websocket.Conn
	rooms []string
	send  chan []byte

	once sync.Once
	done chan struct{}
}

// enqueue never blocks; a full queue drops the frame.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.SocketDropped.Inc()
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Upgrader builds the websocket upgrader. An empty origin list accepts
// any origin.
func Upgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		},
	}
}

// Serve upgrades the request and keeps the connection in rooms until the
// peer goes away or the hub closes. The caller has already authenticated r.
func (h *Hub) Serve(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, rooms []string) error {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return cerr.Wrap(err, "websocket upgrade")
	}
	c := &client{
		conn:  ws,
		rooms: append([]string(nil), rooms...),
		send:  make(chan []byte, h.sendBuf),
		done:  make(chan struct{}),
	}
	if err := h.register(c); err != nil {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = ws.Close()
		return err
	}

	log := otelzap.Ctx(r.Context())
	log.Debug("Socket connected", zap.Strings("rooms", rooms))

	go h.writePump(c)
	h.readPump(c)
	log.Debug("Socket disconnected", zap.Strings("rooms", rooms))
	return nil
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	wait := 2 * h.ping
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		var in Frame
		if json.Unmarshal(data, &in) != nil {
			continue
		}
		if in.Event == EventPing {
			pong, _ := json.Marshal(Frame{Event: EventPong})
			c.enqueue(pong)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.ping)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
