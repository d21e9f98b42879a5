package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wardenos/warden/internal/events"
	"github.com/wardenos/warden/internal/infrastructure/monitoring"
	"github.com/wardenos/warden/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Buffered events per connection; the hub drops on overflow
	// rather than stall the kernel.
	subscribeBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API-level CORS middleware owns origin policy.
		return true
	},
}

// clientMessage is what clients may send: a filter update.
type clientMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

// filter is the per-connection event type allowlist. Empty passes
// everything.
type filter struct {
	mu    sync.RWMutex
	types map[events.Type]bool
}

func (f *filter) set(names []string) {
	m := make(map[events.Type]bool, len(names))
	for _, n := range names {
		m[events.Type(n)] = true
	}
	f.mu.Lock()
	f.types = m
	f.mu.Unlock()
}

func (f *filter) allows(t events.Type) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.types) == 0 || f.types[t]
}

// Handler upgrades connections and pumps events.
type Handler struct {
	hub     *events.Hub
	metrics *monitoring.Metrics
	log     *logging.Logger
}

func NewHandler(hub *events.Hub, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	return &Handler{hub: hub, metrics: metrics, log: log.Named("ws")}
}

// HandleConnection serves one WebSocket client until it disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	id, ch := h.hub.Subscribe(subscribeBuffer)
	defer h.hub.Unsubscribe(id)

	f := &filter{}
	done := make(chan struct{})
	go h.readLoop(conn, f, done)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !f.allows(ev.Type) {
				continue
			}
			frame, err := sonic.Marshal(ev)
			if err != nil {
				h.log.Error("encode event", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			h.metrics.RecordWSMessage("out", string(ev.Type))
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client messages, applying filter updates. Closing
// done ends the write side.
func (h *Handler) readLoop(conn *websocket.Conn, f *filter, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.log.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}
		if msg.Type == "subscribe" {
			f.set(msg.Events)
			h.metrics.RecordWSMessage("in", msg.Type)
		}
	}
}
