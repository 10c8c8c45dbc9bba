// Package hub fans task events out to WebSocket connections.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection represents a single WebSocket connection. A connection that
// follows no run receives events for every run.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu     sync.Mutex // serialises writes
	filter string     // guarded by Hub.mu
}

// Hub manages all WebSocket connections.
type Hub struct {
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan domain.TaskEvent
	done       chan struct{}

	sendBuffer int
	mu         sync.RWMutex
}

// EventMessage is the frame a connection receives for each task event.
type EventMessage struct {
	Type  string           `json:"type"`
	Event domain.TaskEvent `json:"event"`
}

// TypeTaskEvent tags EventMessage frames.
const TypeTaskEvent = "task_event"

// NewHub creates a hub whose connections buffer sendBuffer frames.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan domain.TaskEvent, sendBuffer),
		done:        make(chan struct{}),
		sendBuffer:  sendBuffer,
	}
}

// Run starts the hub's main loop and returns when ctx is done, closing
// every remaining connection's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				delete(h.connections, id)
				close(conn.Send)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Printf("INFO: connection registered: %s", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("INFO: connection unregistered: %s", conn.ID)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev domain.TaskEvent) {
	data, err := json.Marshal(EventMessage{Type: TypeTaskEvent, Event: ev})
	if err != nil {
		log.Printf("ERROR: failed to encode event %s: %v", ev.ID, err)
		return
	}

	var slow []*Connection
	h.mu.RLock()
	for _, conn := range h.connections {
		if conn.filter != "" && conn.filter != ev.RunID {
			continue
		}
		select {
		case conn.Send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		log.Printf("WARN: connection %s buffer full, closing", conn.ID)
		h.drop(conn)
	}
}

// drop removes a connection from inside the run loop.
func (h *Hub) drop(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		close(conn.Send)
	}
}

// Publish queues an event for delivery. It never blocks; when the hub is
// backed up the event is dropped for WebSocket clients only.
func (h *Hub) Publish(ev domain.TaskEvent) {
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("WARN: hub backlog full, dropping event %s for run %s", ev.ID, ev.RunID)
	}
}

// NewConnection creates a connection for ws. It is not registered yet.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.sendBuffer),
	}
}

// Register registers a connection with the hub. It reports false once the
// hub has stopped.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Follow restricts a connection to one run's events; an empty runID
// restores the firehose.
func (h *Hub) Follow(conn *Connection, runID string) {
	h.mu.Lock()
	conn.filter = runID
	h.mu.Unlock()
}

// SendJSON queues a frame for one connection.
func (h *Hub) SendJSON(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return nil
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
