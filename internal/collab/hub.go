package collab

import (
	"context"
	"log"

	"inkwell/api/internal/relay"
)

// Hub fans accepted frames out to a page's sessions and, when a relay is
// configured, to the page's replicas on other instances. Local delivery is
// non-blocking and the relay is best-effort: neither can stall the session
// that produced the frame.
type Hub struct {
	relay *relay.Redis // optional
}

func NewHub(rl *relay.Redis) *Hub {
	return &Hub{relay: rl}
}

// Broadcast delivers a frame to every session attached to the entry, then
// relays it. Used for server-initiated updates (agent edits, rejections).
func (h *Hub) Broadcast(e *Entry, frame []byte) {
	h.publish(e, frame, nil)
}

func (h *Hub) publish(e *Entry, frame []byte, except *subscriber) {
	e.broadcast(frame, except)
	if h.relay != nil {
		if err := h.relay.Publish(context.Background(), e.PageID, frame); err != nil {
			log.Printf("collab: relay publish %s: %v", e.PageID, err)
		}
	}
}
