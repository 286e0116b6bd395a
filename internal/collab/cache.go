package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"inkwell/api/internal/crdt"
	"inkwell/api/internal/relay"
	"inkwell/api/internal/store"
	"inkwell/api/internal/wire"

	"golang.org/x/sync/singleflight"
)

// ErrPageNotFound reports a sync or edit request for a page that does not
// exist in storage.
var ErrPageNotFound = errors.New("collab: page not found")

type pageLoader interface {
	GetPage(ctx context.Context, pageID string) (store.Page, error)
}

// CacheOptions tune the document cache. Zero values take the defaults.
type CacheOptions struct {
	TTL        time.Duration // idle time before a zero-ref entry is evicted (default 30m)
	Capacity   int           // max cached entries before pressure eviction (default 100)
	SweepEvery time.Duration // eviction sweep interval (default 1m)
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Minute
	}
	return o
}

// Cache holds the live replicas of open pages, bounded by idle TTL and
// capacity. One instance serves the whole process; every session and handler
// reaches a page's document through it, so a page has at most one replica
// here.
type Cache struct {
	loader pageLoader
	queue  *Queue
	relay  *relay.Redis // optional
	opts   CacheOptions

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Entry

	nowFn func() time.Time
	done  chan struct{}
}

// NewCache creates the document cache and starts its eviction sweeper.
// The relay may be nil when cross-instance fan-out is not configured.
func NewCache(loader pageLoader, queue *Queue, rl *relay.Redis, opts CacheOptions) *Cache {
	c := &Cache{
		loader:  loader,
		queue:   queue,
		relay:   rl,
		opts:    opts.withDefaults(),
		entries: make(map[string]*Entry),
		nowFn:   time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// GetOrCreate returns the page's live entry, loading it from storage on first
// access. Concurrent first accesses collapse to a single storage read. The
// caller holds a reference and must Release it; referenced entries are never
// evicted. Unknown pages yield ErrPageNotFound; load failures are returned
// and never cached.
func (c *Cache) GetOrCreate(ctx context.Context, pageID string) (*Entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[pageID]; ok {
		e.refs++
		e.lastTouched = c.nowFn()
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(pageID, func() (any, error) {
		c.mu.Lock()
		if e, ok := c.entries[pageID]; ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		e, err := c.load(ctx, pageID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[pageID] = e
		c.mu.Unlock()

		if c.relay != nil {
			c.relay.Subscribe(pageID, func(frame []byte) {
				c.applyRelayed(pageID, frame)
			})
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	e := v.(*Entry)
	c.mu.Lock()
	e.refs++
	e.lastTouched = c.nowFn()
	c.mu.Unlock()
	return e, nil
}

// Release drops a reference obtained from GetOrCreate.
func (c *Cache) Release(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
	e.lastTouched = c.nowFn()
}

// Peek returns the cached entry for a page without loading, or nil. The
// entry is not referenced; callers must not hold it across slow work.
func (c *Cache) Peek(pageID string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pageID]
	if !ok {
		return nil
	}
	e.lastTouched = c.nowFn()
	return e
}

// Touch refreshes a page's idle clock.
func (c *Cache) Touch(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pageID]; ok {
		e.lastTouched = c.nowFn()
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Shutdown stops the sweeper, flushes every dirty entry, and detaches all
// sessions. The cache must not be used afterwards.
func (c *Cache) Shutdown(ctx context.Context) {
	close(c.done)

	c.mu.Lock()
	entries := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if err := c.queue.FlushEntry(ctx, e); err != nil {
			log.Printf("collab: flush on shutdown %s: %v", e.PageID, err)
		}
		if c.relay != nil {
			c.relay.Unsubscribe(e.PageID)
		}
		e.closeSubscribers()
	}
}

// load reads a page and builds its replica. Stored replicated state wins;
// pages never opened for editing are seeded from their plain content, so the
// seed carries the server's site and clients never race to seed.
func (c *Cache) load(ctx context.Context, pageID string) (*Entry, error) {
	page, err := c.loader.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPageNotFound
		}
		return nil, fmt.Errorf("load page %s: %w", pageID, err)
	}

	doc := crdt.New()
	if len(page.CRDTState) > 0 {
		ops, err := crdt.DecodeOps(page.CRDTState)
		if err != nil {
			return nil, fmt.Errorf("decode state of page %s: %w", pageID, err)
		}
		doc.Apply(ops, crdt.OriginSystem)
	} else if page.Content != "" {
		doc.Splice(0, 0, page.Content, crdt.OriginSystem)
	}

	e := newEntry(pageID, page.Title, doc)
	e.lastTouched = c.nowFn()
	return e, nil
}

// applyRelayed handles a frame published by another instance: updates are
// merged into the local replica and fanned out, awareness frames are fanned
// out untouched. The ledger is replica-local, so relayed updates carry the
// system origin here.
func (c *Cache) applyRelayed(pageID string, frame []byte) {
	c.mu.Lock()
	e, ok := c.entries[pageID]
	c.mu.Unlock()
	if !ok {
		return
	}

	msg, err := wire.Parse(frame)
	if err != nil {
		log.Printf("collab: relayed frame for %s: %v", pageID, err)
		return
	}

	switch {
	case msg.Type == wire.MessageAwareness:
		e.broadcast(frame, nil)
	case msg.Type == wire.MessageSync && (msg.Sync == wire.SyncUpdate || msg.Sync == wire.SyncStep2):
		ops, err := crdt.DecodeOps(msg.Payload)
		if err != nil {
			log.Printf("collab: relayed update for %s: %v", pageID, err)
			return
		}
		if e.Apply(ops, crdt.OriginSystem) > 0 {
			c.queue.MarkDirty(pageID)
			e.broadcast(frame, nil)
		}
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepOnce(context.Background())
		}
	}
}

// sweepOnce evicts idle entries past the TTL, then least-recently-touched
// idle entries while over capacity. Dirty candidates are flushed first and
// kept when the flush fails.
func (c *Cache) sweepOnce(ctx context.Context) {
	now := c.nowFn()

	var cands []*Entry
	c.mu.Lock()
	for _, e := range c.entries {
		if e.refs == 0 && now.Sub(e.lastTouched) >= c.opts.TTL {
			cands = append(cands, e)
		}
	}
	if over := len(c.entries) - c.opts.Capacity; over > len(cands) {
		var idle []*Entry
		for _, e := range c.entries {
			if e.refs == 0 && now.Sub(e.lastTouched) < c.opts.TTL {
				idle = append(idle, e)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].lastTouched.Before(idle[j].lastTouched)
		})
		need := over - len(cands)
		if need > len(idle) {
			need = len(idle)
		}
		cands = append(cands, idle[:need]...)
	}
	c.mu.Unlock()

	for _, e := range cands {
		c.evict(ctx, e)
	}
}

// evict flushes and removes one entry. The entry survives if the flush
// fails, if it was referenced again, or if it was edited after the flush.
func (c *Cache) evict(ctx context.Context, e *Entry) {
	if err := c.queue.FlushEntry(ctx, e); err != nil {
		log.Printf("collab: flush before evict %s: %v", e.PageID, err)
		return
	}

	c.mu.Lock()
	if e.refs > 0 || e.dirty() {
		c.mu.Unlock()
		return
	}
	delete(c.entries, e.PageID)
	c.mu.Unlock()

	if c.relay != nil {
		c.relay.Unsubscribe(e.PageID)
	}
	e.closeSubscribers()
}
