// Package realtime fans board events out to connected clients.
//
// A Hub keeps two registries: board id to subscribers and identity id to
// subscribers. Frames are encoded once per publish and handed to every
// subscriber without blocking; a subscriber whose buffer is full is
// disconnected and is expected to reconnect and re-fetch.
package realtime

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"collabboard/api/internal/store"
)

const (
	KindBoardChanged = "board_changed"
	KindBoardDeleted = "board_deleted"
	KindBoardInvited = "board_invited"
	KindError        = "error"
	KindReady        = "ready"
	KindPong         = "pong"
)

type Event struct {
	Kind    string `json:"type"`
	BoardID string `json:"boardId,omitempty"`
	// Activity is the entry recorded for the mutation, when there is one.
	Activity *store.Activity `json:"activity,omitempty"`
	Data     any             `json:"data,omitempty"`
	At       time.Time       `json:"at"`
}

const (
	scopeBoard    = "board"
	scopeIdentity = "identity"
	// scopeClose drops a board channel on every instance.
	scopeClose = "close"
)

type Subscriber struct {
	identity string
	send     chan []byte
	// boards and closed are guarded by Hub.mu.
	boards map[string]struct{}
	closed bool
}

// Frames yields encoded events. It is closed on Disconnect.
func (s *Subscriber) Frames() <-chan []byte { return s.send }

func (s *Subscriber) Identity() string { return s.identity }

type Hub struct {
	mu         sync.RWMutex
	boards     map[string]map[*Subscriber]struct{}
	identities map[string]map[*Subscriber]struct{}

	buffer    int
	heartbeat time.Duration
	logger    *log.Logger
	// relay is set once before the hub serves traffic.
	relay *RedisRelay
	now   func() time.Time
}

func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		boards:     make(map[string]map[*Subscriber]struct{}),
		identities: make(map[string]map[*Subscriber]struct{}),
		buffer:     buffer,
		heartbeat:  30 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
}

// Connect registers a connection on its identity channel.
func (h *Hub) Connect(identityID string) *Subscriber {
	sub := &Subscriber{
		identity: identityID,
		send:     make(chan []byte, h.buffer),
		boards:   make(map[string]struct{}),
	}
	h.mu.Lock()
	register(h.identities, identityID, sub)
	h.mu.Unlock()
	return sub
}

// Join adds sub to a board channel. It reports false once sub is closed.
// Callers check membership before joining.
func (h *Hub) Join(sub *Subscriber, boardID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return false
	}
	register(h.boards, boardID, sub)
	sub.boards[boardID] = struct{}{}
	return true
}

func (h *Hub) Leave(sub *Subscriber, boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	unregister(h.boards, boardID, sub)
	delete(sub.boards, boardID)
}

// Disconnect removes sub from every registry and closes its frame channel.
// Calling it more than once is harmless.
func (h *Hub) Disconnect(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	for boardID := range sub.boards {
		unregister(h.boards, boardID, sub)
	}
	sub.boards = nil
	unregister(h.identities, sub.identity, sub)
	close(sub.send)
}

// Close drops every subscriber from a board channel, here and on the other
// instances. Subscribers stay connected on their identity channel.
func (h *Hub) Close(boardID string) {
	h.closeBoard(boardID)
	if h.relay != nil {
		h.relay.enqueue(envelope{Scope: scopeClose, Key: boardID})
	}
}

func (h *Hub) closeBoard(boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.boards[boardID] {
		delete(sub.boards, boardID)
	}
	delete(h.boards, boardID)
}

// Publish delivers ev to every subscriber of the board, here and, when a
// relay is attached, on the other instances.
func (h *Hub) Publish(boardID string, ev Event) {
	if ev.BoardID == "" {
		ev.BoardID = boardID
	}
	h.publish(scopeBoard, boardID, ev)
}

func (h *Hub) PublishToIdentity(identityID string, ev Event) {
	h.publish(scopeIdentity, identityID, ev)
}

// Send delivers ev to a single subscriber.
func (h *Hub) Send(sub *Subscriber, ev Event) {
	frame, ok := h.encode(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	delivered := true
	if !sub.closed {
		select {
		case sub.send <- frame:
		default:
			delivered = false
		}
	}
	h.mu.RUnlock()
	if !delivered {
		h.evict(sub)
	}
}

func (h *Hub) publish(scope, key string, ev Event) {
	frame, ok := h.encode(ev)
	if !ok {
		return
	}
	h.deliver(scope, key, frame)
	if h.relay != nil {
		h.relay.enqueue(envelope{Scope: scope, Key: key, Frame: string(frame)})
	}
}

func (h *Hub) encode(ev Event) ([]byte, bool) {
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	frame, err := sonic.Marshal(ev)
	if err != nil {
		h.logger.WithError(err).WithField("kind", ev.Kind).Error("encode realtime event")
		return nil, false
	}
	return frame, true
}

// deliver hands frame to local subscribers and returns how many took it.
func (h *Hub) deliver(scope, key string, frame []byte) int {
	var slow []*Subscriber
	delivered := 0

	h.mu.RLock()
	registry := h.boards
	if scope == scopeIdentity {
		registry = h.identities
	}
	for sub := range registry[key] {
		select {
		case sub.send <- frame:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.evict(sub)
	}
	return delivered
}

func (h *Hub) evict(sub *Subscriber) {
	h.logger.WithField("identity_id", sub.identity).Warn("realtime subscriber too slow, disconnecting")
	h.Disconnect(sub)
}

func (h *Hub) BoardSubscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}

// Connections counts open subscribers.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.identities {
		n += len(subs)
	}
	return n
}

func register(registry map[string]map[*Subscriber]struct{}, key string, sub *Subscriber) {
	subs := registry[key]
	if subs == nil {
		subs = make(map[*Subscriber]struct{})
		registry[key] = subs
	}
	subs[sub] = struct{}{}
}

func unregister(registry map[string]map[*Subscriber]struct{}, key string, sub *Subscriber) {
	subs, ok := registry[key]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(registry, key)
	}
}
