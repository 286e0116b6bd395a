package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"inkwell/api/internal/archive"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	pages    map[string]store.Page
	versions map[string][]store.PageVersion

	listPagesFn         func(context.Context) ([]store.Page, error)
	getPageFn           func(context.Context, string) (store.Page, error)
	insertPageFn        func(context.Context, store.Page) error
	savePageStateFn     func(context.Context, string, []byte, string) error
	createPageVersionFn func(context.Context, store.PageVersion) (int, error)
	pingFn              func(context.Context) error
}

func newFakeStore(pages ...store.Page) *fakeStore {
	f := &fakeStore{
		pages:    make(map[string]store.Page),
		versions: make(map[string][]store.PageVersion),
	}
	for _, p := range pages {
		f.pages[p.ID] = p
	}
	return f
}

func (f *fakeStore) ListPages(ctx context.Context) ([]store.Page, error) {
	if f.listPagesFn != nil {
		return f.listPagesFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Page, 0, len(f.pages))
	for _, p := range f.pages {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetPage(ctx context.Context, pageID string) (store.Page, error) {
	if f.getPageFn != nil {
		return f.getPageFn(ctx, pageID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	if !ok {
		return store.Page{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) InsertPage(ctx context.Context, page store.Page) error {
	if f.insertPageFn != nil {
		return f.insertPageFn(ctx, page)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page.ID] = page
	return nil
}

func (f *fakeStore) SavePageState(ctx context.Context, pageID string, state []byte, content string) error {
	if f.savePageStateFn != nil {
		return f.savePageStateFn(ctx, pageID, state, content)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pages[pageID]; ok {
		p.CRDTState = state
		p.Content = content
		f.pages[pageID] = p
	}
	return nil
}

func (f *fakeStore) CreatePageVersion(ctx context.Context, v store.PageVersion) (int, error) {
	if f.createPageVersionFn != nil {
		return f.createPageVersionFn(ctx, v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[v.PageID]; !ok {
		return 0, sql.ErrNoRows
	}
	v.Version = len(f.versions[v.PageID]) + 1
	f.versions[v.PageID] = append(f.versions[v.PageID], v)
	return v.Version, nil
}

func (f *fakeStore) ListPageVersions(_ context.Context, pageID string) ([]store.PageVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.versions[pageID]
	items := make([]store.PageVersion, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		items = append(items, src[i])
	}
	return items, nil
}

func (f *fakeStore) GetPageVersion(_ context.Context, pageID string, version int) (store.PageVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions[pageID] {
		if v.Version == version {
			return v, nil
		}
	}
	return store.PageVersion{}, sql.ErrNoRows
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) page(pageID string) (store.Page, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[pageID]
	return p, ok
}

func (f *fakeStore) versionList(pageID string) []store.PageVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.PageVersion(nil), f.versions[pageID]...)
}

type fakeSearch struct {
	mu       sync.Mutex
	indexed  []search.PageRecord
	searchFn func(search.Query) search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexPage(rec search.PageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

func (f *fakeSearch) indexedRecords() []search.PageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.PageRecord(nil), f.indexed...)
}

type serviceFixture struct {
	service *Service
	store   *fakeStore
	search  *fakeSearch
	cache   *collab.Cache
	queue   *collab.Queue
	hub     *collab.Hub
}

func newTestService(t *testing.T, st *fakeStore, cfg config.Config) *serviceFixture {
	t.Helper()
	queue := collab.NewQueue(st, nil, collab.QueueOptions{})
	cache := collab.NewCache(st, queue, nil, collab.CacheOptions{})
	queue.Start(cache.Peek)
	t.Cleanup(queue.Stop)

	fsearch := &fakeSearch{}
	hub := collab.NewHub(nil)
	svc := &Service{
		cfg:    cfg,
		store:  st,
		search: fsearch,
		cache:  cache,
		queue:  queue,
		hub:    hub,
	}
	return &serviceFixture{service: svc, store: st, search: fsearch, cache: cache, queue: queue, hub: hub}
}

func TestCreatePageValidatesTitle(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})

	_, err := fx.service.CreatePage(context.Background(), "   ", "content")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 422 {
		t.Fatalf("expected a 422 validation error, got %v", err)
	}
}

func TestCreatePageStoresAndIndexes(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})

	payload, err := fx.service.CreatePage(context.Background(), "Notes", "hello")
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	page := payload["page"].(map[string]any)
	id := page["id"].(string)
	if !strings.HasPrefix(id, "page_") {
		t.Fatalf("unexpected page id %q", id)
	}
	if _, ok := fx.store.page(id); !ok {
		t.Fatal("page not persisted")
	}
	recs := fx.search.indexedRecords()
	if len(recs) != 1 || recs[0].ID != id || recs[0].Content != "hello" {
		t.Fatalf("unexpected index records: %+v", recs)
	}
}

func TestGetPageFallsBackToStoredContent(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "stored text"})
	fx := newTestService(t, st, config.Config{})

	payload, err := fx.service.GetPage(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	page := payload["page"].(map[string]any)
	if page["content"] != "stored text" || page["live"] != false {
		t.Fatalf("unexpected payload: %+v", page)
	}
}

func TestGetPagePrefersLiveProjection(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "stored text"})
	fx := newTestService(t, st, config.Config{})

	if _, err := fx.service.EditPage(context.Background(), "p1", "stored", "live", crdt.OriginUser); err != nil {
		t.Fatalf("EditPage: %v", err)
	}

	payload, err := fx.service.GetPage(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	page := payload["page"].(map[string]any)
	if page["content"] != "live text" || page["live"] != true {
		t.Fatalf("expected the live projection, got %+v", page)
	}
}

func TestGetPageUnknown(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})

	_, err := fx.service.GetPage(context.Background(), "nope")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestEditPageDefaultsToAIAndSnapshots(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha beta"})
	fx := newTestService(t, st, config.Config{})

	payload, err := fx.service.EditPage(context.Background(), "p1", "beta", "gamma", "")
	if err != nil {
		t.Fatalf("EditPage: %v", err)
	}
	if payload["content"] != "alpha gamma" {
		t.Fatalf("unexpected content %q", payload["content"])
	}
	if payload["pendingAiEdits"] != 1 {
		t.Fatalf("expected one pending AI edit, got %v", payload["pendingAiEdits"])
	}
	if !strings.HasPrefix(payload["editId"].(string), "edit_") {
		t.Fatalf("unexpected edit id %v", payload["editId"])
	}

	versions := st.versionList("p1")
	if len(versions) != 1 {
		t.Fatalf("expected one auto snapshot, got %d", len(versions))
	}
	if versions[0].Description != "Auto-saved before AI edit" || versions[0].CreatedBy != "system" {
		t.Fatalf("unexpected snapshot metadata: %+v", versions[0])
	}
	if versions[0].ContentPreview != "alpha beta" {
		t.Fatalf("snapshot must capture the pre-edit text, got %q", versions[0].ContentPreview)
	}
}

func TestEditPageUserOriginSkipsSnapshot(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha beta"})
	fx := newTestService(t, st, config.Config{})

	payload, err := fx.service.EditPage(context.Background(), "p1", "beta", "gamma", crdt.OriginUser)
	if err != nil {
		t.Fatalf("EditPage: %v", err)
	}
	if payload["pendingAiEdits"] != 0 {
		t.Fatalf("user edits must not enter the ledger, got %v", payload["pendingAiEdits"])
	}
	if len(st.versionList("p1")) != 0 {
		t.Fatal("user edits must not auto snapshot")
	}
}

func TestEditPageReportsMissingFind(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha beta"})
	fx := newTestService(t, st, config.Config{})

	_, err := fx.service.EditPage(context.Background(), "p1", "absent words", "x", crdt.OriginUser)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 422 {
		t.Fatalf("expected 422, got %v", err)
	}
	if !strings.Contains(derr.Message, "Text not found in page: 'absent words'") {
		t.Fatalf("unexpected message %q", derr.Message)
	}
}

func TestEditPageTruncatesLongFindInError(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "short"})
	fx := newTestService(t, st, config.Config{})

	long := strings.Repeat("a", 60)
	_, err := fx.service.EditPage(context.Background(), "p1", long, "x", crdt.OriginUser)
	var derr *DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("expected a domain error, got %v", err)
	}
	want := "'" + strings.Repeat("a", 50) + "...'"
	if !strings.Contains(derr.Message, want) {
		t.Fatalf("expected truncated find in %q", derr.Message)
	}
}

func TestEditPageRejectsUnknownOrigin(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha"})
	fx := newTestService(t, st, config.Config{})

	_, err := fx.service.EditPage(context.Background(), "p1", "alpha", "x", "martian")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 422 {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestEditPageUnknownPage(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})

	_, err := fx.service.EditPage(context.Background(), "missing", "a", "b", crdt.OriginUser)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestAcceptAIEditsClearsLedger(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha beta"})
	fx := newTestService(t, st, config.Config{})
	ctx := context.Background()

	if _, err := fx.service.EditPage(ctx, "p1", "beta", "gamma", crdt.OriginAI); err != nil {
		t.Fatalf("EditPage: %v", err)
	}

	payload, err := fx.service.AcceptAIEdits(ctx, "p1")
	if err != nil {
		t.Fatalf("AcceptAIEdits: %v", err)
	}
	if payload["accepted"] != 1 {
		t.Fatalf("expected one accepted edit, got %v", payload["accepted"])
	}

	again, err := fx.service.AcceptAIEdits(ctx, "p1")
	if err != nil {
		t.Fatalf("second AcceptAIEdits: %v", err)
	}
	if again["accepted"] != 0 {
		t.Fatalf("accept must be a no-op once reviewed, got %v", again["accepted"])
	}
}

func TestRejectAIEditsRestoresText(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha beta"})
	fx := newTestService(t, st, config.Config{})
	ctx := context.Background()

	if _, err := fx.service.EditPage(ctx, "p1", "beta", "gamma", crdt.OriginAI); err != nil {
		t.Fatalf("EditPage: %v", err)
	}

	payload, err := fx.service.RejectAIEdits(ctx, "p1")
	if err != nil {
		t.Fatalf("RejectAIEdits: %v", err)
	}
	if payload["rejected"] != 1 {
		t.Fatalf("expected one rejected edit, got %v", payload["rejected"])
	}
	if payload["content"] != "alpha beta" {
		t.Fatalf("reject must restore the original text, got %q", payload["content"])
	}
}

func TestAIEditsOnUncachedPage(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "alpha"})
	fx := newTestService(t, st, config.Config{})
	ctx := context.Background()

	payload, err := fx.service.AIEdits(ctx, "p1")
	if err != nil {
		t.Fatalf("AIEdits: %v", err)
	}
	if payload["pendingAiEdits"] != 0 {
		t.Fatalf("uncached page must report zero, got %v", payload["pendingAiEdits"])
	}

	_, err = fx.service.AIEdits(ctx, "missing")
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected 404 for unknown page, got %v", err)
	}
}

func TestCreateVersionFlushesLiveState(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "v0"})
	fx := newTestService(t, st, config.Config{})
	ctx := context.Background()

	if _, err := fx.service.EditPage(ctx, "p1", "v0", "v1", crdt.OriginUser); err != nil {
		t.Fatalf("EditPage: %v", err)
	}

	payload, err := fx.service.CreateVersion(ctx, "p1", "ada", "before release")
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	version := payload["version"].(map[string]any)
	if version["version"] != 1 || version["createdBy"] != "ada" {
		t.Fatalf("unexpected version payload: %+v", version)
	}
	if version["contentPreview"] != "v1" {
		t.Fatalf("version must capture the live text, got %q", version["contentPreview"])
	}

	// The flush ran before the snapshot, so the page row agrees.
	p, _ := st.page("p1")
	if p.Content != "v1" || len(p.CRDTState) == 0 {
		t.Fatalf("page row not flushed: %+v", p)
	}

	second, err := fx.service.CreateVersion(ctx, "p1", "ada", "")
	if err != nil {
		t.Fatalf("second CreateVersion: %v", err)
	}
	if second["version"].(map[string]any)["version"] != 2 {
		t.Fatal("version numbers must increase")
	}
}

func TestGetVersionMaterializesContent(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "v0"})
	fx := newTestService(t, st, config.Config{})
	ctx := context.Background()

	if _, err := fx.service.EditPage(ctx, "p1", "v0", "v1", crdt.OriginUser); err != nil {
		t.Fatalf("EditPage: %v", err)
	}
	if _, err := fx.service.CreateVersion(ctx, "p1", "ada", "cut"); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	payload, err := fx.service.GetVersion(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	version := payload["version"].(map[string]any)
	if version["content"] != "v1" {
		t.Fatalf("rebuilt content mismatch: %q", version["content"])
	}

	_, err = fx.service.GetVersion(ctx, "p1", 9)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 404 {
		t.Fatalf("expected 404 for unknown version, got %v", err)
	}
}

func TestListVersionsNewestFirst(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "text"})
	fx := newTestService(t, st, config.Config{})
	ctx := context.Background()

	if _, err := fx.service.CreateVersion(ctx, "p1", "ada", "first"); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if _, err := fx.service.CreateVersion(ctx, "p1", "ada", "second"); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	payload, err := fx.service.ListVersions(ctx, "p1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	items := payload["versions"].([]map[string]any)
	if len(items) != 2 || items[0]["version"] != 2 || items[1]["version"] != 1 {
		t.Fatalf("unexpected ordering: %+v", items)
	}
}

func TestSearchValidatesQuery(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})

	_, err := fx.service.SearchPages(context.Background(), "   ", 0, 0)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 422 {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestSearchNormalizesPaging(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})

	var got search.Query
	fx.search.searchFn = func(q search.Query) search.Response {
		got = q
		return search.Response{
			Results: []search.Result{{ID: "p1", Title: "Notes", Snippet: "..."}},
			Total:   1,
			Query:   q.Text,
		}
	}

	payload, err := fx.service.SearchPages(context.Background(), "  inkwell  ", 0, -5)
	if err != nil {
		t.Fatalf("SearchPages: %v", err)
	}
	if got.Text != "inkwell" || got.Limit != 20 || got.Offset != 0 {
		t.Fatalf("unexpected query passed through: %+v", got)
	}
	if payload["total"] != 1 {
		t.Fatalf("unexpected total %v", payload["total"])
	}
}

func TestBootstrapSeedsEmptyStore(t *testing.T) {
	fx := newTestService(t, newFakeStore(), config.Config{})
	ctx := context.Background()

	if err := fx.service.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	pages, _ := fx.store.ListPages(ctx)
	if len(pages) == 0 {
		t.Fatal("expected seed pages")
	}
	if len(fx.search.indexedRecords()) != len(pages) {
		t.Fatal("seed pages must be indexed")
	}

	before := len(pages)
	if err := fx.service.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	pages, _ = fx.store.ListPages(ctx)
	if len(pages) != before {
		t.Fatal("bootstrap must not reseed a populated store")
	}
}

func TestArchiveVersionLifecycle(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "hello"})
	fx := newTestService(t, st, config.Config{})
	fx.service.archive = archive.New(t.TempDir())
	ctx := context.Background()

	if _, err := fx.service.CreateVersion(ctx, "p1", "ada", "first cut"); err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}

	payload, err := fx.service.ArchiveHistory(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ArchiveHistory: %v", err)
	}
	commits := payload["commits"].([]archive.CommitInfo)
	if len(commits) < 2 {
		t.Fatalf("expected baseline plus snapshot, got %d commits", len(commits))
	}
	if commits[0].Message != "first cut" {
		t.Fatalf("unexpected head commit %q", commits[0].Message)
	}
}

func TestArchiveHistoryUnconfigured(t *testing.T) {
	st := newFakeStore(store.Page{ID: "p1", Title: "Notes", Content: "hello"})
	fx := newTestService(t, st, config.Config{})

	_, err := fx.service.ArchiveHistory(context.Background(), "p1", 10)
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 503 {
		t.Fatalf("expected 503, got %v", err)
	}
}
