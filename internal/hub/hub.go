// Package hub fans run frames out to WebSocket clients watching a thread.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"

	"github.com/xiaot623/gogo/runstream/internal/domain"
)

// SendBufferSize is the per-connection queue length.
const SendBufferSize = 256

// ErrBufferFull is returned when a connection's send queue is full.
var ErrBufferFull = errors.New("send buffer full")

// Event is what watchers receive for every frame of every run of a thread.
type Event struct {
	ThreadID string           `json:"thread_id"`
	RunID    string           `json:"run_id"`
	Seq      int              `json:"seq"`
	Event    domain.FrameKind `json:"event"`
	Data     json.RawMessage  `json:"data"`
}

// NewEvent builds the watch event for a delivered frame.
func NewEvent(threadID, runID string, d domain.Delivery) (Event, error) {
	payload, err := domain.FramePayload(d.Frame)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ThreadID: threadID,
		RunID:    runID,
		Seq:      d.Seq,
		Event:    d.Frame.Kind(),
		Data:     payload,
	}, nil
}

// Connection represents a single WebSocket connection watching one thread.
type Connection struct {
	ID       string
	ThreadID string
	Conn     *websocket.Conn
	Send     chan []byte
	mu       sync.Mutex
	sendOnce sync.Once
}

// Hub manages all watch connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Threads maps thread_id to set of connection IDs
	threads map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *threadMessage

	// done is closed when Run returns.
	done     chan struct{}
	doneOnce sync.Once

	mu sync.RWMutex
}

type threadMessage struct {
	threadID string
	data     []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		threads:     make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *threadMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if h.threads[conn.ThreadID] == nil {
				h.threads[conn.ThreadID] = make(map[string]bool)
			}
			h.threads[conn.ThreadID][conn.ID] = true
			h.mu.Unlock()
			log.Debugf("watch connection registered: %s (thread: %s)", conn.ID, conn.ThreadID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if ids := h.threads[conn.ThreadID]; ids != nil {
					delete(ids, conn.ID)
					if len(ids) == 0 {
						delete(h.threads, conn.ThreadID)
					}
				}
				conn.closeSend()
			}
			h.mu.Unlock()
			log.Debugf("watch connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.threads[msg.threadID] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.data:
				default:
					log.Warnf("watch connection %s buffer full, closing", connID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection creates a connection watching threadID. It is not registered.
func (h *Hub) NewConnection(ws *websocket.Conn, threadID string) *Connection {
	return &Connection{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Conn:     ws,
		Send:     make(chan []byte, SendBufferSize),
	}
}

// stop closes every remaining queue so write pumps say goodbye, and makes
// later Register and Unregister calls return at once.
func (h *Hub) stop() {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		for _, conn := range h.connections {
			conn.closeSend()
		}
		h.mu.Unlock()
		close(h.done)
	})
}

// Register registers a connection with the hub. Once the hub has stopped the
// connection's queue is closed instead.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Unregister unregisters a connection from the hub and closes its queue.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.closeSend()
	}
}

// Broadcast queues data for every watcher of threadID. It never blocks the
// caller; when the hub is backed up the message is dropped.
func (h *Hub) Broadcast(threadID string, data []byte) {
	select {
	case h.broadcast <- &threadMessage{threadID: threadID, data: data}:
	default:
		log.Warnf("watch hub backlog full, dropping message for thread %s", threadID)
	}
}

// Publish sends a delivered frame of a run to the thread's watchers.
func (h *Hub) Publish(threadID, runID string, d domain.Delivery) error {
	ev, err := NewEvent(threadID, runID, d)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.Broadcast(threadID, data)
	return nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasWatchers reports whether a thread has any active connections.
func (h *Hub) HasWatchers(threadID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.threads[threadID]) > 0
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

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

func (c *Connection) closeSend() {
	c.sendOnce.Do(func() { close(c.Send) })
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
