package store

import (
	"context"
	"database/sql"
	"fmt"
	"unicode/utf8"
)

// previewRunes bounds the content_preview column on version rows.
const previewRunes = 280

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// ListPages returns page metadata, most recently updated first. Content and
// replicated state are omitted; callers fetch a single page for those.
func (s *PostgresStore) ListPages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM pages
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		var item Page
		if err := rows.Scan(&item.ID, &item.Title, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	var item Page
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, crdt_state, created_at, updated_at
		FROM pages
		WHERE id=$1
	`, pageID).Scan(&item.ID, &item.Title, &item.Content, &item.CRDTState, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Page{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertPage(ctx context.Context, page Page) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, title, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, page.ID, page.Title, page.Content)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// SavePageState persists the replicated state and its text projection in one
// statement, so a reader never observes one without the other.
func (s *PostgresStore) SavePageState(ctx context.Context, pageID string, state []byte, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET crdt_state=$2, content=$3, updated_at=NOW()
		WHERE id=$1
	`, pageID, state, content)
	if err != nil {
		return fmt.Errorf("save page state: %w", err)
	}
	return nil
}

// CreatePageVersion assigns the next version number for the page and inserts
// the snapshot. The page row is locked for the duration so concurrent
// snapshots of one page serialize instead of colliding on (page_id, version).
// Returns the assigned version number.
func (s *PostgresStore) CreatePageVersion(ctx context.Context, v PageVersion) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pageID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM pages WHERE id=$1 FOR UPDATE`, v.PageID).Scan(&pageID); err != nil {
		return 0, err
	}

	var version int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM page_versions WHERE page_id=$1
	`, v.PageID).Scan(&version); err != nil {
		return 0, fmt.Errorf("next page version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO page_versions (id, page_id, version, snapshot, content_preview, created_by, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.ID, v.PageID, version, v.Snapshot, truncateRunes(v.ContentPreview, previewRunes), v.CreatedBy, v.Description); err != nil {
		return 0, fmt.Errorf("insert page version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit page version: %w", err)
	}
	return version, nil
}

// ListPageVersions returns version metadata for a page, newest first.
// Snapshots are omitted; fetch a single version for the payload.
func (s *PostgresStore) ListPageVersions(ctx context.Context, pageID string) ([]PageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, version, content_preview, created_by, description, created_at
		FROM page_versions
		WHERE page_id=$1
		ORDER BY version DESC
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page versions: %w", err)
	}
	defer rows.Close()

	items := make([]PageVersion, 0)
	for rows.Next() {
		var item PageVersion
		if err := rows.Scan(&item.ID, &item.PageID, &item.Version, &item.ContentPreview, &item.CreatedBy, &item.Description, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan page version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPageVersion(ctx context.Context, pageID string, version int) (PageVersion, error) {
	var item PageVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, page_id, version, snapshot, content_preview, created_by, description, created_at
		FROM page_versions
		WHERE page_id=$1 AND version=$2
	`, pageID, version).Scan(&item.ID, &item.PageID, &item.Version, &item.Snapshot, &item.ContentPreview, &item.CreatedBy, &item.Description, &item.CreatedAt)
	if err != nil {
		return PageVersion{}, err
	}
	return item, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
