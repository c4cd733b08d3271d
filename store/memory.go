package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/schema"
)

// MemoryBackend satisfies Tx for the in-memory store. There is no rollback:
// a failed function may leave earlier writes applied. Tests relying on
// rollback behavior must use the gorm backend.
type MemoryBackend struct{}

// NewMemoryBackend creates a memory transaction runner.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// RunInTx runs fn directly.
func (b *MemoryBackend) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Memory is an in-memory document store keyed by id, with column access
// resolved through the schema column set. Intended for tests and embedding.
type Memory[T any, P Ptr[T]] struct {
	mu   sync.RWMutex
	name string
	docs map[uuid.UUID]*T
	cols *schema.ColumnSet
}

// NewMemory creates an empty in-memory store for T.
func NewMemory[T any, P Ptr[T]]() *Memory[T, P] {
	return &Memory[T, P]{
		name: tableName[T](),
		docs: make(map[uuid.UUID]*T),
		cols: schema.ColumnsOf(new(T)),
	}
}

// Name returns the table name.
func (s *Memory[T, P]) Name() string {
	return s.name
}

func (s *Memory[T, P]) clone(doc *T) P {
	copied := *doc
	p := P(&copied)
	if od, ok := any(p).(schema.OrgDoc); ok {
		od.SetEditorIDs(append([]uuid.UUID(nil), od.EditorIDs()...))
	}
	return p
}

// Get retrieves a document by id, (nil, nil) when absent.
func (s *Memory[T, P]) Get(ctx context.Context, id uuid.UUID) (P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	return s.clone(doc), nil
}

func (s *Memory[T, P]) matchEq(doc *T, eq map[string]any) bool {
	for col, want := range eq {
		got, ok := s.cols.Value(doc, col)
		if !ok {
			return false
		}
		if !equalValues(got, want) {
			return false
		}
	}
	return true
}

func (s *Memory[T, P]) selectSorted(eq map[string]any, asc bool) []*T {
	var out []*T
	for _, doc := range s.docs {
		if s.matchEq(doc, eq) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := P(out[i]), P(out[j])
		if !a.GetCreatedAt().Equal(b.GetCreatedAt()) {
			if asc {
				return a.GetCreatedAt().Before(b.GetCreatedAt())
			}
			return a.GetCreatedAt().After(b.GetCreatedAt())
		}
		if asc {
			return a.GetID().String() < b.GetID().String()
		}
		return a.GetID().String() > b.GetID().String()
	})
	return out
}

// First retrieves the oldest document matching eq, (nil, nil) when absent.
func (s *Memory[T, P]) First(ctx context.Context, eq map[string]any) (P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.selectSorted(eq, true)
	if len(matches) == 0 {
		return nil, nil
	}
	return s.clone(matches[0]), nil
}

// Find retrieves up to limit documents matching eq.
func (s *Memory[T, P]) Find(ctx context.Context, eq map[string]any, limit int) ([]P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.selectSorted(eq, true)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]P, len(matches))
	for i, doc := range matches {
		out[i] = s.clone(doc)
	}
	return out, nil
}

// Count counts documents matching eq.
func (s *Memory[T, P]) Count(ctx context.Context, eq map[string]any) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, doc := range s.docs {
		if s.matchEq(doc, eq) {
			n++
		}
	}
	return n, nil
}

// Insert creates a document; duplicate ids fail.
func (s *Memory[T, P]) Insert(ctx context.Context, doc P) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := doc.GetID()
	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("memory store %s: duplicate id %s", s.name, id)
	}
	copied := *(*T)(doc)
	s.docs[id] = &copied
	return nil
}

// Save writes a full document.
func (s *Memory[T, P]) Save(ctx context.Context, doc P) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *(*T)(doc)
	s.docs[doc.GetID()] = &copied
	return nil
}

// Patch applies a partial update by column. Patching an absent id is a no-op,
// matching SQL update semantics.
func (s *Memory[T, P]) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil
	}
	for col, val := range fields {
		if err := s.cols.SetValue(doc, col, val); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a document by id.
func (s *Memory[T, P]) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// DeleteWhere removes up to limit documents matching eq.
func (s *Memory[T, P]) DeleteWhere(ctx context.Context, eq map[string]any, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.selectSorted(eq, true)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	for _, doc := range matches {
		delete(s.docs, P(doc).GetID())
	}
	return int64(len(matches)), nil
}

// FindOlder retrieves up to limit documents whose column predates cutoff.
func (s *Memory[T, P]) FindOlder(ctx context.Context, column string, cutoff time.Time, limit int) ([]P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []P
	for _, doc := range s.selectSorted(nil, true) {
		v, ok := s.cols.Value(doc, column)
		if !ok {
			return nil, fmt.Errorf("memory store %s: unknown column %q", s.name, column)
		}
		ts, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("memory store %s: column %q is not a timestamp", s.name, column)
		}
		if ts.Before(cutoff) {
			out = append(out, s.clone(doc))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// List runs a cursor-paginated query ordered by recency.
func (s *Memory[T, P]) List(ctx context.Context, lq ListQuery) ([]P, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := lq.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	var out []P
	for _, doc := range s.selectSorted(lq.Eq, false) {
		if !s.visible(doc, lq) {
			continue
		}
		p := P(doc)
		if lq.After != nil && !olderThanCursor(p, lq.After) {
			continue
		}
		out = append(out, s.clone(doc))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory[T, P]) visible(doc *T, lq ListQuery) bool {
	if lq.Owner != nil || lq.PublicColumn != "" {
		allowed := false
		if lq.Owner != nil {
			if od, ok := any(P(doc)).(schema.OwnedDoc); ok && od.OwnerID() == *lq.Owner {
				allowed = true
			}
		}
		if !allowed && lq.PublicColumn != "" {
			if v, ok := s.cols.Value(doc, lq.PublicColumn); ok {
				if b, ok := v.(bool); ok && b {
					allowed = true
				}
			}
		}
		if !allowed {
			return false
		}
	}
	if lq.Match != nil {
		v, ok := s.cols.Value(doc, lq.Match.Column)
		if !ok {
			return false
		}
		text := fmt.Sprintf("%v", v)
		if !strings.Contains(strings.ToLower(text), strings.ToLower(lq.Match.Term)) {
			return false
		}
	}
	for _, col := range lq.Null {
		if !s.isNull(doc, col) {
			return false
		}
	}
	for _, col := range lq.NotNull {
		if s.isNull(doc, col) {
			return false
		}
	}
	return true
}

func (s *Memory[T, P]) isNull(doc *T, col string) bool {
	v, ok := s.cols.Value(doc, col)
	if !ok {
		return true
	}
	rv := reflect.ValueOf(v)
	return !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil())
}

func olderThanCursor(p schema.Doc, c *pagination.Cursor) bool {
	if p.GetCreatedAt().Before(c.CreatedAt) {
		return true
	}
	if p.GetCreatedAt().Equal(c.CreatedAt) {
		return p.GetID().String() < c.ID.String()
	}
	return false
}

func equalValues(got, want any) bool {
	if got == nil || want == nil {
		return got == nil && want == nil
	}
	gv, wv := reflect.ValueOf(got), reflect.ValueOf(want)
	if gv.Type() == wv.Type() {
		return reflect.DeepEqual(got, want)
	}
	if wv.Type().ConvertibleTo(gv.Type()) {
		return reflect.DeepEqual(got, wv.Convert(gv.Type()).Interface())
	}
	return false
}

// Compile-time check.
var _ Tx = (*MemoryBackend)(nil)
