package store

import "time"

// Page is one collaboratively edited text document. Content is the plain
// text projection of the replicated state; CRDTState is the encoded
// operation log it was derived from. CRDTState is nil for pages that have
// never been opened for editing, in which case Content is the seed.
type Page struct {
	ID        string
	Title     string
	Content   string
	CRDTState []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PageVersion is a named snapshot of a page. Version numbers are assigned
// per page, starting at 1, strictly increasing.
type PageVersion struct {
	ID             string
	PageID         string
	Version        int
	Snapshot       []byte
	ContentPreview string
	CreatedBy      string
	Description    string
	CreatedAt      time.Time
}
