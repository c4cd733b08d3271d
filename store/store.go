// Package store abstracts the document store the generators run against:
// get/insert/patch/delete plus indexed queries, with one transaction per
// operation. The gorm implementation is the production backend; the memory
// implementation backs tests and embedding.
package store

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	gormschema "gorm.io/gorm/schema"

	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/schema"
)

// Ptr constrains a pointer to a document struct.
type Ptr[T any] interface {
	*T
	schema.Doc
}

// OwnedPtr constrains a pointer to an owned document struct.
type OwnedPtr[T any] interface {
	*T
	schema.OwnedDoc
}

// OrgPtr constrains a pointer to an organization-scoped document struct.
type OrgPtr[T any] interface {
	*T
	schema.OrgDoc
}

// ChildPtr constrains a pointer to a child document struct.
type ChildPtr[T any] interface {
	*T
	schema.ChildDoc
}

// CachedPtr constrains a pointer to a cache-entry document struct.
type CachedPtr[T any] interface {
	*T
	schema.CachedDoc
}

// Match is a case-insensitive substring filter on one column.
type Match struct {
	Column string
	Term   string
}

// ListQuery describes an indexed, ordered, cursor-paginated query. Results
// are ordered by recency: (created_at, id) descending.
type ListQuery struct {
	// Eq filters on column equality, ANDed.
	Eq map[string]any
	// Owner restricts to documents owned by this user. When PublicColumn is
	// also set, documents with that boolean column true are included as well
	// ("own or public" visibility).
	Owner *uuid.UUID
	// PublicColumn names a boolean column granting public visibility.
	PublicColumn string
	// Match applies a substring filter.
	Match *Match
	// Null / NotNull require columns to be NULL / NOT NULL.
	Null    []string
	NotNull []string
	// After resumes a previous page.
	After *pagination.Cursor
	// Limit caps the page size; defaults to pagination.DefaultLimit.
	Limit int
}

// Store is the document store contract. Get and First return (nil, nil) when
// no document matches; generators translate absence into NOT_FOUND.
type Store[T any, P Ptr[T]] interface {
	Name() string
	Get(ctx context.Context, id uuid.UUID) (P, error)
	First(ctx context.Context, eq map[string]any) (P, error)
	Find(ctx context.Context, eq map[string]any, limit int) ([]P, error)
	Count(ctx context.Context, eq map[string]any) (int64, error)
	Insert(ctx context.Context, doc P) error
	Save(ctx context.Context, doc P) error
	Patch(ctx context.Context, id uuid.UUID, fields map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteWhere(ctx context.Context, eq map[string]any, limit int) (int64, error)
	FindOlder(ctx context.Context, column string, cutoff time.Time, limit int) ([]P, error)
	List(ctx context.Context, q ListQuery) ([]P, error)
}

// Tx runs a function inside one atomic unit of work. Nested calls join the
// ambient transaction.
type Tx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CascadeBatch bounds every cascading delete sweep.
const CascadeBatch = 100

// DeleteAll removes every document matching eq, sweeping in bounded batches
// so a cascade never issues one unbounded delete.
func DeleteAll[T any, P Ptr[T]](ctx context.Context, s Store[T, P], eq map[string]any, batch int) (int64, error) {
	if batch <= 0 || batch > CascadeBatch {
		batch = CascadeBatch
	}
	var total int64
	for {
		n, err := s.DeleteWhere(ctx, eq, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(batch) {
			return total, nil
		}
	}
}

// tableName resolves a model's table name: TableName() when declared, gorm's
// default naming otherwise.
func tableName[T any]() string {
	var t T
	if tn, ok := any(&t).(interface{ TableName() string }); ok {
		return tn.TableName()
	}
	ns := gormschema.NamingStrategy{}
	return ns.TableName(reflect.TypeOf(t).Name())
}
