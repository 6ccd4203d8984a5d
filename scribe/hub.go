package scribe

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bosley/scribesync/transcript"
)

// Conn is a live subscriber connection as seen by the hub.
type Conn interface {
	ID() uuid.UUID

	// Send queues data for delivery. It must not block; an error means the
	// peer is gone or cannot keep up.
	Send(data []byte) error

	Close(code int, reason string)
}

type member struct {
	conn    Conn
	owner   int64
	watches map[string]struct{}
}

// Hub tracks connections, the user each belongs to, and which meetings each
// connection watches. Every send goes through an owner check.
type Hub struct {
	owners  transcript.OwnerLookup
	buffers *Buffers
	logger  *slog.Logger

	mu       sync.RWMutex
	members  map[uuid.UUID]*member
	watchers map[string]map[uuid.UUID]*member

	// onIdle runs, outside the lock, for meetings that lost their last watcher.
	onIdle func(meeting string)
}

// NewHub creates a hub. buffers may be nil.
func NewHub(owners transcript.OwnerLookup, buffers *Buffers, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		owners:   owners,
		buffers:  buffers,
		logger:   logger,
		members:  make(map[uuid.UUID]*member),
		watchers: make(map[string]map[uuid.UUID]*member),
	}
}

// OnIdle sets the callback for meetings that lose their last watcher.
func (h *Hub) OnIdle(fn func(meeting string)) {
	h.mu.Lock()
	h.onIdle = fn
	h.mu.Unlock()
}

// Register adds conn for owner and replays the owner's buffered entries.
func (h *Hub) Register(conn Conn, owner int64) {
	h.mu.Lock()
	h.members[conn.ID()] = &member{
		conn:    conn,
		owner:   owner,
		watches: make(map[string]struct{}),
	}
	total := len(h.members)
	h.mu.Unlock()

	h.logger.Info("Client connected",
		"connID", conn.ID(),
		"userID", owner,
		"connections", total)

	if h.buffers == nil {
		return
	}
	entries := h.buffers.Entries(owner)
	if len(entries) == 0 {
		return
	}
	msg := encode(InitialTranscripts{Type: TypeInitialTranscripts, Transcripts: entries})
	if err := conn.Send(msg); err != nil {
		h.logger.Warn("Failed to send initial transcripts", "error", err, "connID", conn.ID())
		h.drop(conn)
	}
}

// Unregister removes the connection from the index and from every watch set
// in one step. It reports whether the connection was registered.
func (h *Hub) Unregister(id uuid.UUID) bool {
	h.mu.Lock()
	m, ok := h.members[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.members, id)

	var idle []string
	for meeting := range m.watches {
		if h.unwatchLocked(meeting, id) {
			idle = append(idle, meeting)
		}
	}
	onIdle := h.onIdle
	total := len(h.members)
	h.mu.Unlock()

	h.logger.Info("Client disconnected",
		"connID", id,
		"userID", m.owner,
		"connections", total)
	h.notifyIdle(onIdle, idle)
	return true
}

// Owner returns the user a registered connection belongs to.
func (h *Hub) Owner(id uuid.UUID) (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[id]
	if !ok {
		return 0, false
	}
	return m.owner, true
}

// Watch subscribes a registered connection to a meeting.
func (h *Hub) Watch(id uuid.UUID, meeting string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[id]
	if !ok {
		return false
	}
	m.watches[meeting] = struct{}{}
	set, ok := h.watchers[meeting]
	if !ok {
		set = make(map[uuid.UUID]*member)
		h.watchers[meeting] = set
	}
	set[id] = m

	h.logger.Info("Added watcher",
		"meeting", meeting,
		"connID", id,
		"watchers", len(set))
	return true
}

// Unwatch cancels a Watch.
func (h *Hub) Unwatch(id uuid.UUID, meeting string) {
	h.mu.Lock()
	idle := h.unwatchLocked(meeting, id)
	onIdle := h.onIdle
	h.mu.Unlock()

	if idle {
		h.notifyIdle(onIdle, []string{meeting})
	}
}

// Watching returns the number of connections watching meeting.
func (h *Hub) Watching(meeting string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[meeting])
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// BroadcastToOwner sends msg to every connection of owner. Connections that
// fail to accept it are unregistered. It returns the number of deliveries.
func (h *Hub) BroadcastToOwner(owner int64, msg []byte) int {
	h.mu.RLock()
	targets := make([]Conn, 0)
	for _, m := range h.members {
		if m.owner == owner {
			targets = append(targets, m.conn)
		}
	}
	h.mu.RUnlock()

	return h.sendAll(targets, msg)
}

// DeliverWatchUpdate sends entries to the watchers of meeting that belong to
// the meeting's owner. Watchers belonging to anyone else are removed. Nothing
// is sent while the owner is unknown.
func (h *Hub) DeliverWatchUpdate(ctx context.Context, meeting string, entries []transcript.Entry, isUpdate bool) int {
	if len(entries) == 0 {
		return 0
	}

	h.mu.RLock()
	watched := len(h.watchers[meeting]) > 0
	h.mu.RUnlock()
	if !watched {
		return 0
	}

	owner, ok := h.owners.Get(ctx, meeting)
	if !ok {
		h.logger.Warn("Dropping watch update for room without owner", "meeting", meeting)
		return 0
	}

	h.mu.Lock()
	targets := make([]Conn, 0)
	idle := false
	for id, m := range h.watchers[meeting] {
		if m.owner != owner {
			h.logger.Warn("Removing watcher not owned by room owner",
				"meeting", meeting,
				"connID", id,
				"userID", m.owner,
				"ownerID", owner)
			idle = h.unwatchLocked(meeting, id) || idle
			continue
		}
		targets = append(targets, m.conn)
	}
	onIdle := h.onIdle
	h.mu.Unlock()

	if idle {
		h.notifyIdle(onIdle, []string{meeting})
	}

	msgType := TypeTranscriptNew
	if isUpdate {
		msgType = TypeTranscriptUpdate
	}
	msg := encode(WatchDelta{
		Type:        msgType,
		MeetingName: meeting,
		Transcripts: entries,
		IsUpdate:    isUpdate,
	})
	sent := h.sendAll(targets, msg)

	h.logger.Debug("Delivered watch update",
		"meeting", meeting,
		"entries", len(entries),
		"update", isUpdate,
		"watchers", sent)
	return sent
}

func (h *Hub) sendAll(targets []Conn, msg []byte) int {
	sent := 0
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.logger.Warn("Failed to send to subscriber", "error", err, "connID", c.ID())
			h.drop(c)
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) drop(c Conn) {
	if h.Unregister(c.ID()) {
		c.Close(websocket.CloseGoingAway, "send failed")
	}
}

// unwatchLocked reports whether meeting has no watchers left.
func (h *Hub) unwatchLocked(meeting string, id uuid.UUID) bool {
	if m, ok := h.members[id]; ok {
		delete(m.watches, meeting)
	}
	set, ok := h.watchers[meeting]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(h.watchers, meeting)
		return true
	}
	return false
}

func (h *Hub) notifyIdle(fn func(string), meetings []string) {
	if fn == nil {
		return
	}
	for _, meeting := range meetings {
		fn(meeting)
	}
}

// CloseAll unregisters and closes every connection.
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.members))
	for _, m := range h.members {
		conns = append(conns, m.conn)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.Unregister(c.ID())
		c.Close(code, reason)
	}
}
