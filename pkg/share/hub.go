package share

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gwillem/skeleton/pkg/board"
	"github.com/gwillem/skeleton/pkg/servo"
)

const (
	clientBuffer = 64
	writeTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub streams state changes to websocket clients. Slow clients miss
// updates rather than holding up the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *zap.SugaredLogger

	// Snapshot, when set, provides the events a new client receives first.
	Snapshot func() []Event
}

// NewHub returns a hub without clients.
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// ServeHTTP upgrades the request to a websocket and streams events until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if h.Snapshot != nil {
		for _, ev := range h.Snapshot() {
			h.enqueue(c, ev)
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debugw("websocket client connected", "remote", r.RemoteAddr)

	go h.write(c)

	// clients only listen; reading detects the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	h.logger.Debugw("websocket client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) write(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) enqueue(c *client, ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warnw("encoding event failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PublishServo implements Publisher.
func (h *Hub) PublishServo(name string, c servo.Current) {
	h.broadcast(Event{Kind: KindServo, Servo: name, State: &c})
}

// PublishBoard implements Publisher.
func (h *Hub) PublishBoard(info board.Info) {
	h.broadcast(Event{Kind: KindBoard, Board: &info})
}
