package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"inkwell/api/internal/archive"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
	"inkwell/api/internal/wire"
)

type dataStore interface {
	ListPages(context.Context) ([]store.Page, error)
	GetPage(context.Context, string) (store.Page, error)
	InsertPage(context.Context, store.Page) error
	CreatePageVersion(context.Context, store.PageVersion) (int, error)
	ListPageVersions(context.Context, string) ([]store.PageVersion, error)
	GetPageVersion(context.Context, string, int) (store.PageVersion, error)
	Ping(ctx context.Context) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexPage(rec search.PageRecord)
}

type pageArchive interface {
	EnsurePageRepo(pageID, title, content, author string) error
	CommitVersion(pageID, title, content, author, message string) (archive.CommitInfo, error)
	History(pageID string, limit int) ([]archive.CommitInfo, error)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	search  searchIndex
	archive pageArchive // nil when no repos dir is configured
	cache   *collab.Cache
	queue   *collab.Queue
	hub     *collab.Hub
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, archiveService *archive.Service, cache *collab.Cache, queue *collab.Queue, hub *collab.Hub) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searchService,
		cache:  cache,
		queue:  queue,
		hub:    hub,
	}
	// Keep a nil pointer out of the interface.
	if archiveService != nil {
		s.archive = archiveService
	}
	return s
}

// AgentToken is the shared secret guarding the agent and review routes.
// Empty means the guard is disabled.
func (s *Service) AgentToken() string {
	return s.cfg.AgentToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds a handful of pages on an empty database so a fresh
// install has something to open.
func (s *Service) Bootstrap(ctx context.Context) error {
	pages, err := s.store.ListPages(ctx)
	if err != nil {
		return err
	}
	if len(pages) > 0 {
		return nil
	}

	seeds := []store.Page{
		{
			ID:      "welcome",
			Title:   "Welcome to Inkwell",
			Content: "Inkwell keeps every copy of this page in step while people and agents edit it together.\n\nOpen this page in two windows and type in both.",
		},
		{
			ID:      "meeting-notes",
			Title:   "Weekly Sync Notes",
			Content: "Attendees:\n\nDecisions:\n\nAction items:",
		},
		{
			ID:      "draft-announcement",
			Title:   "Launch Announcement Draft",
			Content: "We are excited to announce... (ask the writing agent to tighten this up)",
		},
	}

	for _, seed := range seeds {
		if err := s.store.InsertPage(ctx, seed); err != nil {
			return err
		}
		s.search.IndexPage(search.PageRecord{ID: seed.ID, Title: seed.Title, Content: seed.Content})
		if s.archive != nil {
			if err := s.archive.EnsurePageRepo(seed.ID, seed.Title, seed.Content, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) ListPages(ctx context.Context) (map[string]any, error) {
	pages, err := s.store.ListPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	items := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		items = append(items, map[string]any{
			"id":        p.ID,
			"title":     p.Title,
			"createdAt": p.CreatedAt,
			"updatedAt": p.UpdatedAt,
		})
	}
	return map[string]any{"pages": items}, nil
}

func (s *Service) CreatePage(ctx context.Context, title, content string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	page := store.Page{
		ID:      util.NewID("page"),
		Title:   title,
		Content: content,
	}
	if err := s.store.InsertPage(ctx, page); err != nil {
		return nil, fmt.Errorf("insert page: %w", err)
	}
	s.search.IndexPage(search.PageRecord{ID: page.ID, Title: page.Title, Content: page.Content})
	if s.archive != nil {
		if err := s.archive.EnsurePageRepo(page.ID, page.Title, page.Content, ""); err != nil {
			log.Printf("archive: init %s: %v", page.ID, err)
		}
	}
	return map[string]any{"page": pagePayload(page, page.Content, false, 0)}, nil
}

// GetPage returns the page with its live text projection when the document
// is cached, the stored projection otherwise.
func (s *Service) GetPage(ctx context.Context, pageID string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Page not found")
		}
		return nil, fmt.Errorf("get page %s: %w", pageID, err)
	}
	content := page.Content
	live := false
	pending := 0
	if entry := s.cache.Peek(pageID); entry != nil {
		content = entry.Text()
		live = true
		pending = entry.PendingAI()
	}
	return map[string]any{"page": pagePayload(page, content, live, pending)}, nil
}

// EditPage is the agent/tool boundary: replace the first occurrence of find
// in the page's live text. An empty find replaces the whole document. Edits
// tagged ai get a safety snapshot first and land in the review ledger.
func (s *Service) EditPage(ctx context.Context, pageID, find, replace, origin string) (map[string]any, error) {
	if origin == "" {
		origin = crdt.OriginAI
	}
	if !crdt.ValidOrigin(origin) {
		return nil, validationError(fmt.Sprintf("origin must be one of user, ai, system; got %q", origin))
	}

	entry, err := s.cache.GetOrCreate(ctx, pageID)
	if err != nil {
		if errors.Is(err, collab.ErrPageNotFound) {
			return nil, notFound("Page not found")
		}
		return nil, fmt.Errorf("open page %s: %w", pageID, err)
	}
	defer s.cache.Release(entry)

	if origin == crdt.OriginAI {
		s.autoSnapshot(ctx, entry)
	}

	ops, content, ok := entry.ReplaceText(find, replace, origin)
	if !ok {
		return nil, validationError(fmt.Sprintf("Text not found in page: '%s'", truncateRunes(find, 50)))
	}
	if len(ops) > 0 {
		s.queue.MarkDirty(pageID)
		s.hub.Broadcast(entry, wire.SyncUpdateFrame(crdt.EncodeOps(ops)))
	}

	return map[string]any{
		"editId":         util.NewID("edit"),
		"pendingAiEdits": entry.PendingAI(),
		"content":        content,
	}, nil
}

// autoSnapshot records a version of the pre-edit state so a bad AI edit can
// be inspected or restored later. Best effort: the edit proceeds either way.
func (s *Service) autoSnapshot(ctx context.Context, entry *collab.Entry) {
	state, content := entry.Snapshot()
	_, err := s.store.CreatePageVersion(ctx, store.PageVersion{
		ID:             util.NewID("ver"),
		PageID:         entry.PageID,
		Snapshot:       state,
		ContentPreview: content,
		CreatedBy:      "system",
		Description:    "Auto-saved before AI edit",
	})
	if err != nil {
		log.Printf("page %s: auto snapshot: %v", entry.PageID, err)
	}
}

// AIEdits reports the number of unreviewed AI transactions on the page. The
// ledger lives with the loaded document, so an uncached page has none.
func (s *Service) AIEdits(ctx context.Context, pageID string) (map[string]any, error) {
	entry := s.cache.Peek(pageID)
	if entry == nil {
		if err := s.pageExists(ctx, pageID); err != nil {
			return nil, err
		}
		return map[string]any{"pageId": pageID, "pendingAiEdits": 0}, nil
	}
	return map[string]any{"pageId": pageID, "pendingAiEdits": entry.PendingAI()}, nil
}

// AcceptAIEdits keeps every unreviewed AI edit and clears the ledger. The
// text does not change, so nothing is broadcast.
func (s *Service) AcceptAIEdits(ctx context.Context, pageID string) (map[string]any, error) {
	entry := s.cache.Peek(pageID)
	if entry == nil {
		if err := s.pageExists(ctx, pageID); err != nil {
			return nil, err
		}
		return map[string]any{"accepted": 0, "pendingAiEdits": 0}, nil
	}
	n := entry.AcceptAI()
	return map[string]any{"accepted": n, "pendingAiEdits": 0}, nil
}

// RejectAIEdits undoes every unreviewed AI transaction, newest first, and
// broadcasts the inverse update to attached sessions. Edits from other
// origins interleaved with the AI's survive.
func (s *Service) RejectAIEdits(ctx context.Context, pageID string) (map[string]any, error) {
	entry := s.cache.Peek(pageID)
	if entry == nil {
		if err := s.pageExists(ctx, pageID); err != nil {
			return nil, err
		}
		return map[string]any{"rejected": 0, "pendingAiEdits": 0}, nil
	}
	ops, n := entry.RejectAI()
	if len(ops) > 0 {
		s.queue.MarkDirty(pageID)
		s.hub.Broadcast(entry, wire.SyncUpdateFrame(crdt.EncodeOps(ops)))
	}
	return map[string]any{"rejected": n, "pendingAiEdits": 0, "content": entry.Text()}, nil
}

// CreateVersion snapshots the page without disrupting editing. A cached
// document is flushed first so the version and the stored row agree.
func (s *Service) CreateVersion(ctx context.Context, pageID, createdBy, description string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Page not found")
		}
		return nil, fmt.Errorf("get page %s: %w", pageID, err)
	}

	state := page.CRDTState
	content := page.Content
	if entry := s.cache.Peek(pageID); entry != nil {
		if err := s.queue.FlushEntry(ctx, entry); err != nil {
			return nil, err
		}
		state, content = entry.Snapshot()
	}

	v := store.PageVersion{
		ID:             util.NewID("ver"),
		PageID:         pageID,
		Snapshot:       state,
		ContentPreview: content,
		CreatedBy:      createdBy,
		Description:    description,
	}
	number, err := s.store.CreatePageVersion(ctx, v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Page not found")
		}
		return nil, fmt.Errorf("create version: %w", err)
	}
	v.Version = number

	if s.archive != nil {
		message := strings.TrimSpace(description)
		if message == "" {
			message = fmt.Sprintf("Version %d", number)
		}
		if _, err := s.archive.CommitVersion(pageID, page.Title, content, createdBy, message); err != nil {
			log.Printf("archive: commit %s: %v", pageID, err)
		}
	}

	return map[string]any{"version": versionPayload(v)}, nil
}

func (s *Service) ListVersions(ctx context.Context, pageID string) (map[string]any, error) {
	if err := s.pageExists(ctx, pageID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListPageVersions(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v))
	}
	return map[string]any{"versions": items}, nil
}

// GetVersion returns one snapshot with its text rebuilt from the stored
// operation log.
func (s *Service) GetVersion(ctx context.Context, pageID string, version int) (map[string]any, error) {
	v, err := s.store.GetPageVersion(ctx, pageID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Version not found")
		}
		return nil, fmt.Errorf("get version %s/%d: %w", pageID, version, err)
	}
	payload := versionPayload(v)
	if len(v.Snapshot) > 0 {
		ops, err := crdt.DecodeOps(v.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("decode version %s/%d: %w", pageID, version, err)
		}
		doc := crdt.New()
		doc.Apply(ops, crdt.OriginSystem)
		payload["content"] = doc.Text()
	} else {
		payload["content"] = v.ContentPreview
	}
	return map[string]any{"version": payload}, nil
}

// ArchiveHistory lists the page's git archive commits, newest first.
func (s *Service) ArchiveHistory(ctx context.Context, pageID string, limit int) (map[string]any, error) {
	if s.archive == nil {
		return nil, domainError(503, "ARCHIVE_UNAVAILABLE", "Version archive not configured", nil)
	}
	if err := s.pageExists(ctx, pageID); err != nil {
		return nil, err
	}
	commits, err := s.archive.History(pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive history %s: %w", pageID, err)
	}
	return map[string]any{"commits": commits}, nil
}

func (s *Service) SearchPages(ctx context.Context, q string, limit, offset int) (map[string]any, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, validationError("q is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	resp := s.search.Search(search.Query{Text: q, Limit: limit, Offset: offset})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

func (s *Service) pageExists(ctx context.Context, pageID string) error {
	if _, err := s.store.GetPage(ctx, pageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("Page not found")
		}
		return fmt.Errorf("get page %s: %w", pageID, err)
	}
	return nil
}

func pagePayload(p store.Page, content string, live bool, pendingAI int) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"title":          p.Title,
		"content":        content,
		"live":           live,
		"pendingAiEdits": pendingAI,
		"createdAt":      p.CreatedAt,
		"updatedAt":      p.UpdatedAt,
	}
}

func versionPayload(v store.PageVersion) map[string]any {
	payload := map[string]any{
		"id":             v.ID,
		"pageId":         v.PageID,
		"version":        v.Version,
		"createdBy":      v.CreatedBy,
		"description":    v.Description,
		"contentPreview": v.ContentPreview,
	}
	if !v.CreatedAt.IsZero() {
		payload["createdAt"] = v.CreatedAt
	}
	return payload
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
