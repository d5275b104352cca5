// Package events is the engine's internal observability stream: it fans
// out session/pipeline activity (decisions, fills, halts, checkpoints)
// to connected websocket subscribers and relays Postgres LISTEN/NOTIFY
// notifications from other processes sharing the same database.
package events

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one connected websocket subscriber.
type Client struct {
	ID   string
	Send chan Envelope
}

// Envelope is the JSON frame sent to every subscriber.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Kinds of engine activity broadcast over the stream (spec §4's
// cross-cutting observability requirement).
const (
	KindDecision   = "decision"
	KindFill       = "fill"
	KindHalt       = "halt"
	KindCheckpoint = "checkpoint"
	KindFlatten    = "flatten"
)

// Broadcaster manages subscriber connections and fans out events to all
// of them without letting one slow client block the others.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan Envelope
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	once       sync.Once
	logger     *log.Logger
}

// NewBroadcaster creates a Broadcaster. Run must be started in its own
// goroutine before Register/Publish are used.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		logger:     logger,
	}
}

// Register adds a client to the broadcast set.
func (b *Broadcaster) Register(c *Client) {
	select {
	case b.register <- c:
	case <-b.shutdown:
	}
}

// Unregister removes a client.
func (b *Broadcaster) Unregister(c *Client) {
	select {
	case b.unregister <- c:
	case <-b.shutdown:
	}
}

// Publish sends an event to every connected client. One drop if a
// client's send buffer is full rather than blocking the broadcaster.
func (b *Broadcaster) Publish(kind string, data interface{}) {
	env := Envelope{Type: kind, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	select {
	case b.broadcast <- env:
	case <-b.shutdown:
	}
}

// Run is the broadcaster's event loop; call it in its own goroutine.
func (b *Broadcaster) Run() {
	for {
		select {
		case c := <-b.register:
			b.mu.Lock()
			b.clients[c] = true
			b.mu.Unlock()
			b.logger.Printf("events: client registered (total: %d)", len(b.clients))

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.Send)
			}
			b.mu.Unlock()
			b.logger.Printf("events: client unregistered (total: %d)", len(b.clients))

		case env := <-b.broadcast:
			b.mu.RLock()
			targets := make([]*Client, 0, len(b.clients))
			for c := range b.clients {
				targets = append(targets, c)
			}
			b.mu.RUnlock()
			for _, c := range targets {
				select {
				case c.Send <- env:
				default:
					b.logger.Printf("events: client %s send buffer full, dropping event", c.ID)
				}
			}

		case <-b.shutdown:
			return
		}
	}
}

// Shutdown closes every client connection and stops Run.
func (b *Broadcaster) Shutdown() {
	b.once.Do(func() {
		b.mu.Lock()
		for c := range b.clients {
			close(c.Send)
		}
		b.clients = make(map[*Client]bool)
		b.mu.Unlock()
		close(b.shutdown)
	})
}

// ClientCount reports the number of currently connected subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an incoming request to a websocket subscriber and
// pumps events to it until the connection closes.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Printf("events: upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	client := &Client{ID: r.RemoteAddr, Send: make(chan Envelope, 256)}
	b.Register(client)
	defer b.Unregister(client)

	go b.writePump(ws, client)
	b.readPump(ws, client)
}

func (b *Broadcaster) writePump(ws *websocket.Conn, c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case env, ok := <-c.Send:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) readPump(ws *websocket.Conn, c *Client) {
	defer func() {
		b.Unregister(c)
	}()
	ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
