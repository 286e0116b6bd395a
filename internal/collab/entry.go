// Package collab hosts the live editing state of open pages: a bounded
// in-memory cache of replicated documents, the websocket sessions attached to
// them, broadcast fan-out between sessions (and between instances through the
// Redis relay), and the debounced queue that persists dirty documents.
package collab

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"inkwell/api/internal/crdt"
)

// Entry is one cached page: the authoritative in-memory replica plus the
// sessions attached to it. All document access goes through mu; merges and
// reads on one page serialize, distinct pages proceed independently.
type Entry struct {
	PageID string
	Title  string

	mu  sync.Mutex
	doc *crdt.Doc

	// version counts mutations; persisted is the version covered by the
	// last successful flush. They never decrease.
	version   uint64
	persisted uint64

	// refs and lastTouched are guarded by the owning cache's mutex.
	refs        int
	lastTouched time.Time

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

// subscriber is one attached session's outbound frame queue, consumed by its
// write pump. Closed when the session detaches or falls behind.
type subscriber struct {
	send chan []byte
}

func newSubscriber() *subscriber {
	return &subscriber{send: make(chan []byte, 32)}
}

func newEntry(pageID, title string, doc *crdt.Doc) *Entry {
	return &Entry{
		PageID: pageID,
		Title:  title,
		doc:    doc,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Text returns the current visible projection.
func (e *Entry) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Text()
}

// Snapshot returns the encoded replicated state and its text projection,
// taken atomically.
func (e *Entry) Snapshot() (state []byte, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return crdt.EncodeOps(e.doc.Ops()), e.doc.Text()
}

// StateVector returns the document's contiguous-log frontier.
func (e *Entry) StateVector() crdt.StateVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.StateVector()
}

// MissingFrom returns the operations a remote replica lacks.
func (e *Entry) MissingFrom(remote crdt.StateVector) []crdt.Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.MissingFrom(remote)
}

// Diff answers a sync handshake atomically: the operations the remote lacks
// and our own state vector, from one view of the document.
func (e *Entry) Diff(remote crdt.StateVector) ([]crdt.Op, crdt.StateVector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.MissingFrom(remote), e.doc.StateVector()
}

// Apply integrates remote operations under the given origin and reports how
// many were new. Redelivery is harmless.
func (e *Entry) Apply(ops []crdt.Op, origin string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.doc.Apply(ops, origin)
	if n > 0 {
		e.version++
	}
	return n
}

// ReplaceText performs a find/replace transaction on the projection. An empty
// find replaces the whole document. Returns the minted operations, the text
// after the edit, and whether find was present. The operations are already
// applied locally; callers broadcast them and mark the page dirty.
func (e *Entry) ReplaceText(find, replace, origin string) ([]crdt.Op, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := e.doc.Text()

	var ops []crdt.Op
	if find == "" {
		ops = e.doc.Splice(0, e.doc.Len(), replace, origin)
	} else {
		at := strings.Index(text, find)
		if at < 0 {
			return nil, text, false
		}
		ops = e.doc.Splice(utf8.RuneCountInString(text[:at]), utf8.RuneCountInString(find), replace, origin)
	}
	if len(ops) > 0 {
		e.version++
	}
	return ops, e.doc.Text(), true
}

// PendingAI returns the number of unreviewed AI transactions.
func (e *Entry) PendingAI() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.PendingAI()
}

// AcceptAI settles every unreviewed AI transaction, keeping the text.
func (e *Entry) AcceptAI() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.AcceptAI()
}

// RejectAI undoes every unreviewed AI transaction and returns the inverse
// operations for broadcast, plus how many transactions were rejected.
func (e *Entry) RejectAI() ([]crdt.Op, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ops, n := e.doc.RejectAI()
	if len(ops) > 0 {
		e.version++
	}
	return ops, n
}

func (e *Entry) dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version != e.persisted
}

// attach registers a session for broadcast delivery.
func (e *Entry) attach(sub *subscriber) {
	e.subMu.Lock()
	e.subs[sub] = struct{}{}
	e.subMu.Unlock()
}

// detach removes a session and closes its queue. Safe to call after the
// subscriber was already dropped by broadcast.
func (e *Entry) detach(sub *subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if _, ok := e.subs[sub]; !ok {
		return
	}
	delete(e.subs, sub)
	close(sub.send)
}

// send queues a frame to one subscriber. A full queue means the session has
// fallen behind: it is dropped and recovers by reconnecting. Reports whether
// the subscriber is still attached afterwards.
func (e *Entry) send(sub *subscriber, frame []byte) bool {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.sendLocked(sub, frame)
}

// broadcast queues a frame to every subscriber except the sender.
func (e *Entry) broadcast(frame []byte, except *subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for sub := range e.subs {
		if sub == except {
			continue
		}
		e.sendLocked(sub, frame)
	}
}

func (e *Entry) sendLocked(sub *subscriber, frame []byte) bool {
	if _, ok := e.subs[sub]; !ok {
		return false
	}
	select {
	case sub.send <- frame:
		return true
	default:
		delete(e.subs, sub)
		close(sub.send)
		return false
	}
}

// closeSubscribers detaches every session, ending their write pumps.
func (e *Entry) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for sub := range e.subs {
		delete(e.subs, sub)
		close(sub.send)
	}
}

// Subscribers returns the number of attached sessions.
func (e *Entry) Subscribers() int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return len(e.subs)
}
