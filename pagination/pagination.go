// Package pagination implements the opaque-cursor page shape shared by every
// list operation.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default and maximum page sizes.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Page is one page of results. Cursor is opaque; pass it back to fetch the
// next page. IsDone reports that no further pages exist.
type Page[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor,omitempty"`
	IsDone bool   `json:"is_done"`
}

// Cursor is the decoded pagination position: results strictly older than
// (CreatedAt, ID) in recency order.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// Encode serializes a cursor to its opaque wire form.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%s|%s", c.CreatedAt.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. An empty string yields a nil cursor (first
// page).
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("decode cursor: malformed")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return &Cursor{CreatedAt: ts, ID: id}, nil
}

// PageOf assembles a page from a query that fetched limit+1 items: the extra
// item only signals that another page exists.
func PageOf[T interface {
	GetID() uuid.UUID
	GetCreatedAt() time.Time
}](items []T, limit int) *Page[T] {
	page := &Page[T]{IsDone: true}
	if len(items) > limit {
		items = items[:limit]
		page.IsDone = false
	}
	page.Items = items
	if !page.IsDone && len(items) > 0 {
		last := items[len(items)-1]
		page.Cursor = Cursor{CreatedAt: last.GetCreatedAt(), ID: last.GetID()}.Encode()
	}
	return page
}

// ClampLimit normalizes a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
