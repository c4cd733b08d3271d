package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lazyapps/lazycrud/pagination"
)

type txKey struct{}

// ContextWithTx returns a context carrying an open transaction. Every store
// call made with it joins that transaction.
func ContextWithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the ambient transaction, if any.
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txKey{}).(*gorm.DB)
	return tx, ok
}

// GormBackend provides transactional execution over a gorm connection.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend creates a backend over an open connection.
func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// DB returns the underlying connection.
func (b *GormBackend) DB() *gorm.DB {
	return b.db
}

// RunInTx runs fn inside a transaction carried through the context. A nested
// call joins the outer transaction instead of opening a second one.
func (b *GormBackend) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ContextWithTx(ctx, tx))
	})
}

// Gorm is the gorm-backed document store for one table.
type Gorm[T any, P Ptr[T]] struct {
	db   *gorm.DB
	name string
}

// NewGorm creates a store for T's table.
func NewGorm[T any, P Ptr[T]](db *gorm.DB) *Gorm[T, P] {
	return &Gorm[T, P]{db: db, name: tableName[T]()}
}

// Name returns the table name.
func (s *Gorm[T, P]) Name() string {
	return s.name
}

func (s *Gorm[T, P]) conn(ctx context.Context) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// Get retrieves a document by id, (nil, nil) when absent.
func (s *Gorm[T, P]) Get(ctx context.Context, id uuid.UUID) (P, error) {
	var doc T
	err := s.conn(ctx).Where("id = ?", id).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return P(&doc), nil
}

// First retrieves the oldest document matching eq, (nil, nil) when absent.
func (s *Gorm[T, P]) First(ctx context.Context, eq map[string]any) (P, error) {
	var doc T
	q := s.conn(ctx)
	if len(eq) > 0 {
		q = q.Where(map[string]any(eq))
	}
	err := q.Order("created_at ASC, id ASC").First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return P(&doc), nil
}

// Find retrieves up to limit documents matching eq.
func (s *Gorm[T, P]) Find(ctx context.Context, eq map[string]any, limit int) ([]P, error) {
	q := s.conn(ctx)
	if len(eq) > 0 {
		q = q.Where(map[string]any(eq))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var docs []T
	if err := q.Order("created_at ASC, id ASC").Find(&docs).Error; err != nil {
		return nil, err
	}
	return ptrs[T, P](docs), nil
}

// Count counts documents matching eq.
func (s *Gorm[T, P]) Count(ctx context.Context, eq map[string]any) (int64, error) {
	var count int64
	q := s.conn(ctx).Model(new(T))
	if len(eq) > 0 {
		q = q.Where(map[string]any(eq))
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Insert creates a document.
func (s *Gorm[T, P]) Insert(ctx context.Context, doc P) error {
	return s.conn(ctx).Create(doc).Error
}

// Save writes a full document.
func (s *Gorm[T, P]) Save(ctx context.Context, doc P) error {
	return s.conn(ctx).Save(doc).Error
}

// Patch applies a partial update by column.
func (s *Gorm[T, P]) Patch(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.conn(ctx).Model(new(T)).Where("id = ?", id).Updates(fields).Error
}

// Delete removes a document by id.
func (s *Gorm[T, P]) Delete(ctx context.Context, id uuid.UUID) error {
	return s.conn(ctx).Where("id = ?", id).Delete(new(T)).Error
}

// DeleteWhere removes up to limit documents matching eq and returns the
// number removed. Postgres has no DELETE ... LIMIT, so ids are selected
// first and deleted by key.
func (s *Gorm[T, P]) DeleteWhere(ctx context.Context, eq map[string]any, limit int) (int64, error) {
	q := s.conn(ctx).Model(new(T))
	if len(eq) > 0 {
		q = q.Where(map[string]any(eq))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []uuid.UUID
	if err := q.Order("created_at ASC, id ASC").Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.conn(ctx).Where("id IN ?", ids).Delete(new(T))
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// FindOlder retrieves up to limit documents whose column predates cutoff,
// oldest first.
func (s *Gorm[T, P]) FindOlder(ctx context.Context, column string, cutoff time.Time, limit int) ([]P, error) {
	q := s.conn(ctx).Where(fmt.Sprintf("%s < ?", column), cutoff)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var docs []T
	if err := q.Order("created_at ASC, id ASC").Find(&docs).Error; err != nil {
		return nil, err
	}
	return ptrs[T, P](docs), nil
}

// List runs a cursor-paginated query ordered by recency.
func (s *Gorm[T, P]) List(ctx context.Context, lq ListQuery) ([]P, error) {
	q := s.conn(ctx)
	if len(lq.Eq) > 0 {
		q = q.Where(map[string]any(lq.Eq))
	}
	switch {
	case lq.Owner != nil && lq.PublicColumn != "":
		q = q.Where(fmt.Sprintf("user_id = ? OR %s = ?", lq.PublicColumn), *lq.Owner, true)
	case lq.Owner != nil:
		q = q.Where("user_id = ?", *lq.Owner)
	case lq.PublicColumn != "":
		q = q.Where(fmt.Sprintf("%s = ?", lq.PublicColumn), true)
	}
	if lq.Match != nil {
		q = q.Where(fmt.Sprintf("%s ILIKE ?", lq.Match.Column), "%"+escapeLike(lq.Match.Term)+"%")
	}
	for _, col := range lq.Null {
		q = q.Where(fmt.Sprintf("%s IS NULL", col))
	}
	for _, col := range lq.NotNull {
		q = q.Where(fmt.Sprintf("%s IS NOT NULL", col))
	}
	if lq.After != nil {
		q = q.Where("(created_at, id) < (?, ?)", lq.After.CreatedAt, lq.After.ID)
	}
	limit := lq.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	var docs []T
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&docs).Error; err != nil {
		return nil, err
	}
	return ptrs[T, P](docs), nil
}

func ptrs[T any, P Ptr[T]](docs []T) []P {
	out := make([]P, len(docs))
	for i := range docs {
		out[i] = P(&docs[i])
	}
	return out
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

// Compile-time checks.
var _ Tx = (*GormBackend)(nil)
