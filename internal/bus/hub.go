package bus

import (
	"context"
	"sync"
	"time"

	"github.com/chatserver/internal/logger"
)

// Hub tracks rooms and the connections joined to them. Room membership is
// process-local; with a relay attached, published events travel through
// redis so every instance delivers to its own local members.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]struct{}
	total    int
	maxConns int

	relay *RedisRelay

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

// SetRelay attaches a cross-instance relay. Must be called before Run.
func (h *Hub) SetRelay(r *RedisRelay) {
	h.relay = r
}

func (h *Hub) Run(ctx context.Context) {
	if h.relay != nil {
		go h.relay.Receive(ctx, h.deliverLocal)
	}
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	seen := make(map[*Client]struct{}, h.total)
	for _, members := range h.rooms {
		for c := range members {
			seen[c] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for c := range seen {
		c.Close()
	}
	for c := range seen {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("bus connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	h.total++
	c.registered = true
	h.joinLocked(c, UserRoom(c.userID))
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !c.registered {
		h.mu.Unlock()
		return
	}
	c.registered = false
	for room := range c.joined {
		h.leaveLocked(c, room)
	}
	h.total--
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

func (h *Hub) joinLocked(c *Client, room string) {
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.joined[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	delete(c.joined, room)
}

// Join adds a connection to a conversation room. Called lazily when the
// client starts viewing that conversation.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	h.joinLocked(c, room)
	h.mu.Unlock()
}

// Leave removes a connection from a room.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()
}

// HandleFrame dispatches an incoming client frame.
func (h *Hub) HandleFrame(c *Client, f Frame) {
	switch f.Action {
	case "join_conversation":
		if f.ConversationID != "" {
			h.Join(c, ConversationRoom(f.ConversationID))
		}
	case "leave_conversation":
		if f.ConversationID != "" {
			h.Leave(c, ConversationRoom(f.ConversationID))
		}
	case "ping":
		h.sendToClient(c, Event{Type: "pong"})
	default:
		h.sendToClient(c, Event{Type: EventError, Payload: "unknown action"})
	}
}

// Publish fans an event out to every connection currently joined to room.
// Best-effort and at-most-once: there is no buffering for absent members.
func (h *Hub) Publish(room string, event EventType, payload any) {
	defer logger.DeferLogDuration("bus.Publish", time.Now())()
	if h.relay != nil {
		// All instances, this one included, deliver on receipt.
		h.relay.Send(room, event, payload)
		return
	}
	h.deliverLocal(room, event, payload)
}

func (h *Hub) deliverLocal(room string, event EventType, payload any) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	ev := Event{Type: event, Payload: payload}
	for _, c := range targets {
		h.sendToClient(c, ev)
	}
}

func (h *Hub) sendToClient(c *Client, ev Event) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("bus send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
