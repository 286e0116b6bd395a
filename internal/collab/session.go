package collab

import (
	"errors"
	"log"
	"net/http"
	"time"

	"inkwell/api/internal/crdt"
	"inkwell/api/internal/wire"

	"github.com/gorilla/websocket"
)

const defaultHandshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HTTP layer owns the CORS policy; requests it let through may sync.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionHandler upgrades page sync requests into websocket sessions.
type SessionHandler struct {
	cache            *Cache
	queue            *Queue
	hub              *Hub
	handshakeTimeout time.Duration
}

func NewSessionHandler(cache *Cache, queue *Queue, hub *Hub, handshakeTimeout time.Duration) *SessionHandler {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &SessionHandler{cache: cache, queue: queue, hub: hub, handshakeTimeout: handshakeTimeout}
}

// ServeSync handles a sync request for one page. The origin query parameter
// tags the session's edits for the AI ledger and defaults to user. Unknown
// pages and bad origins are rejected before the upgrade.
func (h *SessionHandler) ServeSync(w http.ResponseWriter, r *http.Request, pageID string) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		origin = crdt.OriginUser
	}
	if !crdt.ValidOrigin(origin) {
		http.Error(w, "invalid origin", http.StatusUnprocessableEntity)
		return
	}

	entry, err := h.cache.GetOrCreate(r.Context(), pageID)
	if err != nil {
		if errors.Is(err, ErrPageNotFound) {
			http.Error(w, "page not found", http.StatusNotFound)
			return
		}
		log.Printf("collab: open %s: %v", pageID, err)
		http.Error(w, "page unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote the error response already.
		h.cache.Release(entry)
		return
	}

	s := &session{
		conn:   conn,
		entry:  entry,
		sub:    newSubscriber(),
		origin: origin,
		hub:    h.hub,
		queue:  h.queue,
	}
	entry.attach(s.sub)
	go s.writePump()

	s.run(h.handshakeTimeout)

	entry.detach(s.sub)
	h.cache.Release(entry)
	_ = conn.Close()
}

// session is one attached websocket connection, bound to one page. Its read
// loop runs on the handler goroutine; writes go through the subscriber queue
// consumed by the write pump, keeping a single writer per connection.
type session struct {
	conn   *websocket.Conn
	entry  *Entry
	sub    *subscriber
	origin string
	hub    *Hub
	queue  *Queue
}

// run performs the sync handshake and then pumps inbound frames until the
// connection drops or the session sends a frame it must not.
func (s *session) run(handshakeTimeout time.Duration) {
	_ = s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, frame, err := s.conn.ReadMessage()
	if err != nil {
		return
	}
	msg, perr := wire.Parse(frame)
	if perr != nil || msg.Type != wire.MessageSync || msg.Sync != wire.SyncStep1 {
		log.Printf("collab: %s: handshake frame rejected", s.entry.PageID)
		return
	}
	remote, err := crdt.DecodeStateVector(msg.Payload)
	if err != nil {
		log.Printf("collab: %s: handshake state vector: %v", s.entry.PageID, err)
		return
	}

	// Step2 answers what the client lacks; our step1 asks for what we lack.
	// The subscriber is attached already, so updates racing the diff reach
	// the client as well; reapplying them is harmless.
	diff, local := s.entry.Diff(remote)
	if !s.entry.send(s.sub, wire.SyncStep2Frame(crdt.EncodeOps(diff))) {
		return
	}
	if !s.entry.send(s.sub, wire.SyncStep1Frame(crdt.EncodeStateVector(local))) {
		return
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.handle(frame) {
			return
		}
	}
}

// handle processes one inbound frame. Returns false when the session must
// close. Bad frames never reach the document, and closing this session
// leaves its siblings untouched.
func (s *session) handle(frame []byte) bool {
	msg, err := wire.Parse(frame)
	if err != nil {
		log.Printf("collab: %s: %v", s.entry.PageID, err)
		return false
	}

	switch msg.Type {
	case wire.MessageAwareness:
		// Presence is relayed, never merged.
		s.hub.publish(s.entry, frame, s.sub)
		return true

	case wire.MessageSync:
		switch msg.Sync {
		case wire.SyncStep1:
			// Mid-stream resync request.
			remote, err := crdt.DecodeStateVector(msg.Payload)
			if err != nil {
				log.Printf("collab: %s: %v", s.entry.PageID, err)
				return false
			}
			diff, _ := s.entry.Diff(remote)
			return s.entry.send(s.sub, wire.SyncStep2Frame(crdt.EncodeOps(diff)))

		case wire.SyncStep2, wire.SyncUpdate:
			ops, err := crdt.DecodeOps(msg.Payload)
			if err != nil {
				log.Printf("collab: %s: %v", s.entry.PageID, err)
				return false
			}
			if s.entry.Apply(ops, s.origin) > 0 {
				s.queue.MarkDirty(s.entry.PageID)
				s.hub.publish(s.entry, wire.SyncUpdateFrame(msg.Payload), s.sub)
			}
			return true
		}
	}
	return false
}

// writePump is the connection's single writer, draining the subscriber queue
// until it closes or a write fails.
func (s *session) writePump() {
	for frame := range s.sub.send {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			break
		}
	}
	_ = s.conn.Close()
}
