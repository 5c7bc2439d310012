package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forge/internal/events"
	"forge/internal/plugins"
)

// Hub pushes build and version events to browser WebSocket clients. Each
// client optionally filters on one plugin slug; the build detail page
// subscribes to its own slug, dashboards subscribe to everything.
type Hub struct {
	plugins  *plugins.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	unsubscribe func()
}

type client struct {
	conn *websocket.Conn
	slug string // "" means all plugins
	send chan []byte
	done chan struct{}
}

// NewHub creates the hub and subscribes it to the event bus. Delivery is
// async so a stalled socket never blocks a build goroutine.
func NewHub(bus *events.Bus, pluginStore *plugins.Store) *Hub {
	h := &Hub{
		plugins: pluginStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	h.unsubscribe = bus.SubscribeAsync(h.broadcast,
		events.BuildChanged, events.BuildLogUpdated,
		events.VersionUpdated, events.VersionReleased)
	return h
}

// HandleConnection upgrades the request to a WebSocket. The optional
// ?plugin= query parameter narrows the stream to one plugin's events.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("plugin")
	if slug != "" {
		plugin, err := h.plugins.Get(slug)
		if err != nil {
			log.Printf("[WS] Error looking up plugin %q: %v", slug, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if plugin == nil {
			http.Error(w, "plugin not found", http.StatusNotFound)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		slug: slug,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Printf("[WS] Client connected (plugin=%q)", slug)

	go h.writeLoop(c)
	h.readLoop(c)

	h.drop(c)
	log.Printf("[WS] Client disconnected (plugin=%q)", slug)
}

// broadcast fans one event out to every client whose filter matches.
// A client whose send buffer is full is dropped rather than waited on.
func (h *Hub) broadcast(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.Lock()
	var stalled []*client
	for c := range h.clients {
		if c.slug != "" && c.slug != e.PluginSlug {
			continue
		}
		select {
		case c.send <- payload:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.drop(c)
	}
}

// readLoop consumes inbound messages only to detect disconnects; the
// protocol is one-directional.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(10*time.Second),
			); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.done)
		c.conn.Close()
	}
}

// ActiveConnections returns the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and terminates all connections.
func (h *Hub) Close() {
	h.unsubscribe()

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.done)
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second),
		)
		c.conn.Close()
	}
}
