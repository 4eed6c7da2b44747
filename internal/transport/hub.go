// Package transport is the real-time transport between the sync server and
// its clients: websocket connections, grouped into rooms, exchanging JSON
// envelopes of the form {"type": <event>, "data": <payload>}.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrUnknownConnection is returned when addressing a connection that is
	// not (or no longer) registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSlowConsumer is returned when a connection's send buffer is full.
	// The connection is dropped.
	ErrSlowConsumer = errors.New("slow consumer")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Upgrader accepts websocket connections from any origin; authentication is
// left to whatever sits in front of the server.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is an inbound client message with its payload left undecoded.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	msg, err := json.Marshal(outbound{Type: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", event, err)
	}
	return msg, nil
}

// Hub keeps the connection registry (connection id → connection and room)
// and the room registry (room id → set of connection ids).
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Conn
	connRoom map[string]string
	rooms    map[string]mapset.Set[string]
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		conns:    make(map[string]*Conn),
		connRoom: make(map[string]string),
		rooms:    make(map[string]mapset.Set[string]),
	}
}

// Register adopts an upgraded websocket and starts its writer. The caller
// owns reading from the returned Conn and must call Unregister when done.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	h.logger.Debug("client registered", "conn", c.id, "clients", h.Len())
	return c
}

// Unregister removes the connection from its room and closes it. It is safe
// to call more than once.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		h.leaveLocked(connID)
		delete(h.conns, connID)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Debug("client unregistered", "conn", connID, "clients", h.Len())
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Join puts the connection in roomID, leaving any previous room.
func (h *Hub) Join(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return
	}
	h.leaveLocked(connID)
	members, ok := h.rooms[roomID]
	if !ok {
		members = mapset.NewThreadUnsafeSet[string]()
		h.rooms[roomID] = members
	}
	members.Add(connID)
	h.connRoom[connID] = roomID
}

// Leave takes the connection out of its room.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID)
}

func (h *Hub) leaveLocked(connID string) {
	roomID, ok := h.connRoom[connID]
	if !ok {
		return
	}
	delete(h.connRoom, connID)
	if members, ok := h.rooms[roomID]; ok {
		members.Remove(connID)
		if members.Cardinality() == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Members returns the ids of the connections in roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return members.ToSlice()
}

// Multicast sends an event to every connection in roomID except exclude
// (which may be empty). Connections that cannot keep up are dropped and
// reported with ErrSlowConsumer; everyone else still gets the event.
func (h *Hub) Multicast(roomID, event string, payload any, exclude string) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}

	var slow []string
	h.mu.RLock()
	if members, ok := h.rooms[roomID]; ok {
		members.Each(func(connID string) bool {
			if connID == exclude {
				return false
			}
			select {
			case h.conns[connID].send <- msg:
			default:
				slow = append(slow, connID)
			}
			return false
		})
	}
	h.mu.RUnlock()

	for _, connID := range slow {
		h.logger.Warn("dropping slow client", "conn", connID, "room", roomID)
		h.Unregister(connID)
	}
	if len(slow) > 0 {
		return fmt.Errorf("room %s: %d clients: %w", roomID, len(slow), ErrSlowConsumer)
	}
	return nil
}

// SendTo sends an event to a single connection.
func (h *Hub) SendTo(connID, event string, payload any) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	var full bool
	if ok {
		select {
		case c.send <- msg:
		default:
			full = true
		}
	}
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%s: %w", connID, ErrUnknownConnection)
	}
	if full {
		h.logger.Warn("dropping slow client", "conn", connID)
		h.Unregister(connID)
		return fmt.Errorf("%s: %w", connID, ErrSlowConsumer)
	}
	return nil
}

// CloseAll unregisters every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Unregister(id)
	}
}
