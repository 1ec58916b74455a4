// Package ws streams overlay events to renderers over websockets.
package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtding233/reindeer-gacha/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	directBuf  = 256
)

// Syncer replays current state to one new observer.
type Syncer interface {
	HandleInitialSync(ctx context.Context, obs events.Observer) (int, error)
}

// Hub upgrades overlay connections and subscribes each one to the broadcaster.
type Hub struct {
	broadcaster *events.Broadcaster
	syncer      Syncer
	upgrader    websocket.Upgrader

	nextID  atomic.Uint64
	mu      sync.Mutex
	clients map[uint64]*Client
}

func NewHub(b *events.Broadcaster, syncer Syncer) *Hub {
	return &Hub{
		broadcaster: b,
		syncer:      syncer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// overlays run as OBS browser sources with arbitrary origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[uint64]*Client),
	}
}

// Client is one overlay connection. Send is used for targeted initial sync.
type Client struct {
	ID   uint64
	Hub  *Hub
	Conn *websocket.Conn

	sub    *events.Subscription
	direct chan events.Event
	done   chan struct{}
	once   sync.Once
}

var _ events.Observer = (*Client)(nil)

// Send queues e for this client only. It reports false when the client is gone or backed up.
func (c *Client) Send(e events.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.direct <- e:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
		_ = c.Conn.Close()
		c.Hub.mu.Lock()
		delete(c.Hub.clients, c.ID)
		c.Hub.mu.Unlock()
	})
}

// Clients reports the number of connected overlays.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	c := &Client{
		ID:     h.nextID.Add(1),
		Hub:    h,
		Conn:   conn,
		sub:    h.broadcaster.Subscribe(),
		direct: make(chan events.Event, directBuf),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	log.Printf("[ws] overlay %d connected from %s", c.ID, r.RemoteAddr)

	go c.writePump()
	if h.syncer != nil {
		go func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-c.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			n, err := h.syncer.HandleInitialSync(ctx, c)
			if err != nil {
				log.Printf("[ws] initial sync for overlay %d stopped after %d: %v", c.ID, n, err)
			}
		}()
	}
	c.readPump()
	log.Printf("[ws] overlay %d disconnected", c.ID)
}

// readPump drains control frames; overlays never send data we act on.
func (c *Client) readPump() {
	defer c.close()
	c.Conn.SetReadLimit(4096)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		var (
			e  events.Event
			ok bool
		)
		select {
		case <-c.done:
			return
		case e, ok = <-c.sub.C:
			if !ok {
				return
			}
		case e = <-c.direct:
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn.WriteJSON(e); err != nil {
			log.Printf("[ws] write to overlay %d failed: %v", c.ID, err)
			return
		}
	}
}
