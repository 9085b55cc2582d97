package processor

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vexor/ingress/internal/classify"
)

// TapProjection is the diagnostic, loss-tolerant view of a classified
// packet streamed to operators. It never includes the raw payload.
type TapProjection struct {
	FlowClass string    `json:"flow_class"`
	SrcPort   uint16    `json:"src_port"`
	DstPort   uint16    `json:"dst_port"`
	Length    int       `json:"length"`
	Timestamp time.Time `json:"timestamp"`
}

// Tap is a diagnostic hub that streams a uniformly-sampled projection of
// classified packets to connected WebSocket clients. Sampling rate is
// configurable and defaults to disabled, since it is strictly an
// observability feature and must never sit on the dispatch hot path.
type Tap struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan TapProjection
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader

	sampleEvery int64
	counter     int64
}

// NewTap constructs a tap that forwards every sampleEvery-th packet. A
// sampleEvery of 0 or 1 disables sampling (no packets are ever forwarded,
// or every packet is, respectively) — callers configure this from
// Config.Server.TapSampleEvery.
func NewTap(sampleEvery int) *Tap {
	return &Tap{
		clients:     make(map[*websocket.Conn]bool),
		broadcast:   make(chan TapProjection, 256),
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		sampleEvery: int64(sampleEvery),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the hub's dispatch loop; call on its own goroutine.
func (t *Tap) Run() {
	for {
		select {
		case client := <-t.register:
			t.mu.Lock()
			t.clients[client] = true
			t.mu.Unlock()

		case client := <-t.unregister:
			t.mu.Lock()
			if _, ok := t.clients[client]; ok {
				delete(t.clients, client)
				client.Close()
			}
			t.mu.Unlock()

		case proj := <-t.broadcast:
			t.mu.RLock()
			for client := range t.clients {
				if err := client.WriteJSON(proj); err != nil {
					slog.Debug("tap write error", "error", err)
					client.Close()
					delete(t.clients, client)
				}
			}
			t.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades an HTTP request to a tap subscription.
func (t *Tap) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("tap upgrade error", "error", err)
		return
	}
	t.register <- conn
	go func() {
		defer func() { t.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Sample is called from the worker hot path for every classified packet; it
// is cheap (an atomic increment plus a modulo check) when sampling is
// disabled or the packet is skipped, and never blocks on slow subscribers
// since the broadcast channel drop is non-blocking.
func (t *Tap) Sample(pkt classify.Packet) {
	if t.sampleEvery <= 0 {
		return
	}
	n := atomic.AddInt64(&t.counter, 1)
	if n%t.sampleEvery != 0 {
		return
	}
	proj := TapProjection{
		FlowClass: pkt.Flow.String(),
		SrcPort:   pkt.SrcPort,
		DstPort:   pkt.DstPort,
		Length:    len(pkt.Payload),
		Timestamp: time.Now(),
	}
	select {
	case t.broadcast <- proj:
	default:
	}
}
