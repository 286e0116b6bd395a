package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"inkwell/api/internal/crdt"
	"inkwell/api/internal/search"
)

type stateWriter interface {
	SavePageState(ctx context.Context, pageID string, state []byte, content string) error
}

type pageIndexer interface {
	IndexPage(rec search.PageRecord)
}

// QueueOptions tune the persistence queue. Zero values take the defaults.
type QueueOptions struct {
	Window     time.Duration // flush delay from the first dirty mark (default 2s)
	SweepEvery time.Duration // dirty-scan interval (default 500ms)
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.Window <= 0 {
		o.Window = 2 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 500 * time.Millisecond
	}
	return o
}

// Queue batches document persistence. Marking a page dirty schedules a flush
// a fixed window after the first mark; marks landing inside the window ride
// along, so a page under continuous editing still persists every window. A
// flush writes the replicated state and text projection in one statement,
// then refreshes the search index. Failures stay scheduled and retry on the
// next sweep; they never surface to editing sessions.
type Queue struct {
	store  stateWriter
	search pageIndexer
	opts   QueueOptions

	// OnContentUpdated, when set, runs after each successful flush with the
	// persisted projection. Downstream consumers (embedding refresh) hook
	// in here.
	OnContentUpdated func(pageID, content string)

	mu       sync.Mutex
	pending  map[string]time.Time // page id -> flush deadline
	inflight map[string]struct{}
	wg       sync.WaitGroup

	resolve func(pageID string) *Entry

	nowFn func() time.Time
	done  chan struct{}
}

// NewQueue creates a persistence queue. The search service may be nil in
// tests; indexing is skipped then.
func NewQueue(st stateWriter, idx pageIndexer, opts QueueOptions) *Queue {
	return &Queue{
		store:    st,
		search:   idx,
		opts:     opts.withDefaults(),
		pending:  make(map[string]time.Time),
		inflight: make(map[string]struct{}),
		nowFn:    time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. resolve maps a page id to its cached entry
// (typically Cache.Peek); pages that were evicted resolve to nil and their
// marks are dropped, eviction having flushed them already.
func (q *Queue) Start(resolve func(pageID string) *Entry) {
	q.resolve = resolve
	go q.sweepLoop()
}

// Stop ends the sweep loop and waits for in-flight flushes. Pending marks
// are not flushed; Cache.Shutdown owns the final flush.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// MarkDirty schedules persistence for a page. The deadline is set by the
// first mark of a window and later marks leave it alone, bounding staleness
// under continuous editing.
func (q *Queue) MarkDirty(pageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[pageID]; !ok {
		q.pending[pageID] = q.nowFn().Add(q.opts.Window)
	}
}

// Flush persists a page immediately if it is cached and dirty. Safe to call
// at any time; concurrent flushes of one page serialize on the entry.
func (q *Queue) Flush(ctx context.Context, pageID string) error {
	if q.resolve == nil {
		return nil
	}
	e := q.resolve(pageID)
	if e == nil {
		return nil
	}
	return q.FlushEntry(ctx, e)
}

// FlushEntry persists one entry's state if it changed since the last flush.
// The snapshot is taken under the entry lock; the write happens outside it,
// so editing continues during the round-trip.
func (q *Queue) FlushEntry(ctx context.Context, e *Entry) error {
	e.mu.Lock()
	v := e.version
	if v == e.persisted {
		e.mu.Unlock()
		return nil
	}
	state := crdt.EncodeOps(e.doc.Ops())
	content := e.doc.Text()
	e.mu.Unlock()

	if err := q.store.SavePageState(ctx, e.PageID, state, content); err != nil {
		return fmt.Errorf("flush page %s: %w", e.PageID, err)
	}

	e.mu.Lock()
	if v > e.persisted {
		e.persisted = v
	}
	e.mu.Unlock()

	if q.search != nil {
		q.search.IndexPage(search.PageRecord{ID: e.PageID, Title: e.Title, Content: content})
	}
	if q.OnContentUpdated != nil {
		q.OnContentUpdated(e.PageID, content)
	}
	return nil
}

func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(q.opts.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.sweepOnce(context.Background())
		}
	}
}

// sweepOnce claims every page whose window has closed and flushes them,
// distinct pages concurrently. Claiming clears the mark first, so edits
// arriving mid-flight open a fresh window instead of being lost.
func (q *Queue) sweepOnce(ctx context.Context) {
	now := q.nowFn()

	var due []string
	q.mu.Lock()
	for id, deadline := range q.pending {
		if _, busy := q.inflight[id]; busy {
			continue
		}
		if !deadline.After(now) {
			delete(q.pending, id)
			q.inflight[id] = struct{}{}
			due = append(due, id)
		}
	}
	q.mu.Unlock()

	for _, id := range due {
		q.wg.Add(1)
		go q.flushDue(ctx, id)
	}
}

func (q *Queue) flushDue(ctx context.Context, pageID string) {
	defer q.wg.Done()

	var err error
	if q.resolve != nil {
		if e := q.resolve(pageID); e != nil {
			err = q.FlushEntry(ctx, e)
		}
	}

	q.mu.Lock()
	delete(q.inflight, pageID)
	if err != nil {
		// Retry on the next sweep unless a newer mark already rescheduled.
		if _, ok := q.pending[pageID]; !ok {
			q.pending[pageID] = q.nowFn()
		}
	}
	q.mu.Unlock()

	if err != nil {
		log.Printf("persist: %v", err)
	}
}
