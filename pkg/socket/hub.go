// pkg/socket/hub.go
//
// Package socket pushes workflow events to browsers over WebSockets.
// Connections join rooms; events are addressed to rooms and are delivered
// at most once. A backplane relays events between replicas.
package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/config"
	"github.com/CodeMonkeyCybersecurity/vault-pam/pkg/metrics"
	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Heartbeat events. Request events are named by the workflow package.
const (
	EventPing = "ping"
	EventPong = "pong"
)

// Frame is the JSON message exchanged with clients.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// envelope carries a frame between replicas.
type envelope struct {
	Origin string          `json:"origin"`
	Rooms  []string        `json:"rooms"`
	Frame  json.RawMessage `json:"frame"`
}

// Hub tracks connections by room.
type Hub struct {
	id        string
	backplane Backplane
	sendBuf   int
	ping      time.Duration

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	conns  map[*client]struct{}
	closed bool
}

// NewHub creates a hub. bp may be nil for a single replica.
func NewHub(cfg config.SocketConfig, bp Backplane) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Hub{
		id:        uuid.NewString(),
		backplane: bp,
		sendBuf:   cfg.SendBuffer,
		ping:      cfg.PingInterval,
		rooms:     make(map[string]map[*client]struct{}),
		conns:     make(map[*client]struct{}),
	}
}

// Emit delivers an event to every connection in rooms on this replica and
// publishes it to the backplane for the others. Failures are logged only.
func (h *Hub) Emit(ctx context.Context, rooms []string, event string, data any) {
	log := otelzap.Ctx(ctx)
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		log.Error("Failed to encode socket frame", zap.String("event", event), zap.Error(err))
		return
	}
	delivered := h.deliver(rooms, frame)
	log.Debug("Socket event emitted",
		zap.String("event", event),
		zap.Strings("rooms", rooms),
		zap.Int("local_connections", delivered))

	if h.backplane == nil {
		return
	}
	payload, err := json.Marshal(envelope{Origin: h.id, Rooms: rooms, Frame: frame})
	if err != nil {
		log.Error("Failed to encode backplane envelope", zap.Error(err))
		return
	}
	if err := h.backplane.Publish(ctx, payload); err != nil {
		log.Warn("Failed to publish socket event to backplane", zap.String("event", event), zap.Error(err))
	}
}

// Run relays backplane events to local connections until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		<-ctx.Done()
		return nil
	}
	err := h.backplane.Subscribe(ctx, func(payload []byte) {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			otelzap.Ctx(ctx).Warn("Discarding malformed backplane message", zap.Error(err))
			return
		}
		if env.Origin == h.id {
			return
		}
		h.deliver(env.Rooms, env.Frame)
	})
	if err != nil && ctx.Err() == nil {
		return cerr.Wrap(err, "socket backplane subscription")
	}
	return nil
}

func (h *Hub) deliver(rooms []string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			c.enqueue(frame)
		}
	}
	return len(seen)
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return cerr.New("socket hub is closed")
	}
	h.conns[c] = struct{}{}
	for _, room := range c.rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*client]struct{})
		}
		h.rooms[room][c] = struct{}{}
	}
	metrics.SocketConnections.Inc()
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for _, room := range c.rooms {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	c.close()
	metrics.SocketConnections.Dec()
}

// Count is the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize is the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every client and refuses new ones. The backplane is left
// to whoever created it.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.unregister(c)
	}
}
