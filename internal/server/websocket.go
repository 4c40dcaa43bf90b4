package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/scrypster/mnemo/internal/engine"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Hub forwards extraction events to connected WebSocket clients.
//
// Only the Run goroutine closes client send channels, so a client leaving
// through several paths at once cannot close its channel twice.
type Hub struct {
	bus     *engine.EventBus
	origins []string

	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub streaming events from bus. Connections are accepted
// only from the given origin host patterns.
func NewHub(bus *engine.EventBus, origins []string) *Hub {
	return &Hub{
		bus:        bus,
		origins:    origins,
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run delivers events until ctx is cancelled or the bus is closed, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	var events <-chan engine.Event
	if h.bus != nil {
		sub, unsubscribe := h.bus.Subscribe(256)
		defer unsubscribe()
		events = sub
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.drop(c)

		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Printf("websocket: failed to encode %s event: %v", e.Type, err)
				continue
			}
			h.broadcast(data)
		}
	}
}

// broadcast sends data to every client, dropping clients that cannot keep up.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("websocket: WARNING: dropping slow client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// add hands c to the Run loop. It returns false once the hub has stopped.
func (h *Hub) add(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Printf("websocket: accept failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	// Incoming messages are ignored; the returned context ends when the
	// peer goes away.
	readCtx := conn.CloseRead(context.Background())
	c.writePump(readCtx, h)
}

func (c *client) writePump(readCtx context.Context, h *Hub) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			ctx, cancel := context.WithTimeout(readCtx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.remove(c)
				_ = c.conn.CloseNow()
				return
			}
		case <-readCtx.Done():
			h.remove(c)
			_ = c.conn.CloseNow()
			return
		}
	}
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and browser requests whose origin host matches a pattern.
func (h *Hub) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	return slices.ContainsFunc(h.origins, func(p string) bool {
		return strings.EqualFold(p, host) || p == "*"
	})
}
