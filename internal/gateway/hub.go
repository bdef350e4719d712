package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/domain"
	"github.com/familyshield/familyd/internal/engine"
)

const (
	// writeWait bounds one websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a subscriber may stay silent.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The socket is unix-domain and bus-authenticated; origin checks do
	// not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one connected signal listener.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	role domain.Role

	// send is bounded; overflow drops the oldest queued signal so a slow
	// subscriber never stalls the emitter.
	send chan domain.Signal
}

// Hub fans signals out to role-eligible subscribers. Delivery is
// best-effort and asynchronous.
type Hub struct {
	subscribers map[*subscriber]bool

	register    chan *subscriber
	unregister  chan *subscriber
	broadcast   chan domain.Signal
	queueSize   int
	logger      *zap.Logger
}

// NewHub creates a hub with the given per-subscriber queue capacity.
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan domain.Signal, queueSize),
		queueSize:   queueSize,
		logger:      logger,
	}
}

// Emit queues a signal for fan-out. Never blocks: if the hub's intake is
// full the signal is dropped with a log line.
func (h *Hub) Emit(sig domain.Signal) {
	select {
	case h.broadcast <- sig:
	default:
		h.logger.Warn("signal hub intake full, dropping signal",
			zap.String("signal", string(sig.Name)))
	}
}

// Run owns the subscriber set until the context-bound caller closes the
// daemon. Call in its own goroutine.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			for sub := range h.subscribers {
				close(sub.send)
				delete(h.subscribers, sub)
			}
			return

		case sub := <-h.register:
			h.subscribers[sub] = true
			h.logger.Debug("signal subscriber connected",
				zap.String("role", string(sub.role)))

		case sub := <-h.unregister:
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.send)
			}

		case sig := <-h.broadcast:
			for sub := range h.subscribers {
				if !engine.SignalEligible(sub.role, sig.Name) {
					continue
				}
				sub.enqueue(sig)
			}
		}
	}
}

// enqueue delivers with drop-oldest on overflow.
func (s *subscriber) enqueue(sig domain.Signal) {
	for {
		select {
		case s.send <- sig:
			return
		default:
			select {
			case <-s.send:
				s.hub.logger.Debug("slow subscriber, dropped oldest signal",
					zap.String("role", string(s.role)))
			default:
			}
		}
	}
}

// ServeWS upgrades an HTTP request into a signal subscription.
func (h *Hub) ServeWS(role domain.Role, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		hub:  h,
		conn: conn,
		role: role,
		send: make(chan domain.Signal, h.queueSize),
	}
	h.register <- sub

	go sub.writePump()
	go sub.readPump()
}

// writePump streams queued signals to the peer.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case sig, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(newSignalPayload(sig)); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection for pongs and detects closure.
func (s *subscriber) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// signalPayload is the wire form of a signal.
type signalPayload struct {
	Signal    string `json:"signal"`
	ProfileID string `json:"profile_id,omitempty"`
	MonitorID string `json:"monitor_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	At        string `json:"at"`
}

func newSignalPayload(sig domain.Signal) signalPayload {
	return signalPayload{
		Signal:    string(sig.Name),
		ProfileID: sig.ProfileID,
		MonitorID: sig.MonitorID,
		Detail:    sig.Detail,
		At:        sig.At.Format(time.RFC3339),
	}
}

// Ensure Hub implements domain.SignalSink.
var _ domain.SignalSink = (*Hub)(nil)
