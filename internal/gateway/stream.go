package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/visioncortex/backend/internal/events"
)

// Streamer fans bus events out to WebSocket clients for live dashboards.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *events.Envelope
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStreamer creates the hub. Call Run in a goroutine, then wire
// Publish as a bus subscriber.
func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *events.Envelope, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run starts the hub loop.
func (s *Streamer) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			n := len(s.clients)
			s.mu.Unlock()
			slog.Info("[Stream] client connected", "total", n)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			n := len(s.clients)
			s.mu.Unlock()
			slog.Info("[Stream] client disconnected", "total", n)

		case ev := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if err := client.WriteJSON(ev); err != nil {
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()

		case <-s.stop:
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
			}
			s.clients = make(map[*websocket.Conn]bool)
			s.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes every client.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Publish is a bus handler forwarding the envelope to all clients. Full
// broadcast buffer drops the event; the stream is a live view, not a
// durable feed.
func (s *Streamer) Publish(_ context.Context, ev *events.Envelope) error {
	select {
	case s.broadcast <- ev:
	default:
	}
	return nil
}

// HandleWebSocket upgrades the connection and registers the client.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] upgrade failed", "error", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
