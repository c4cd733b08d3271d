// Package childcrud generates operation sets for resources owned transitively
// through a parent document. The child carries no ownership of its own: every
// operation re-resolves the parent and gates on the parent's owner.
package childcrud

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/crud"
	"github.com/lazyapps/lazycrud/metrics"
	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/ratelimit"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/schema"
	"github.com/lazyapps/lazycrud/store"
)

// Options configures a generated child resource.
type Options struct {
	// PublicParent permits unauthenticated reads and lists when the parent's
	// public flag is set. The parent type must implement schema.Publishable.
	PublicParent bool

	RateLimit    *ratelimit.Rule
	Limiter      ratelimit.Limiter
	SearchColumn string
	MaxBulk      int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Resource is the generated operation set for one child table. T is the
// child model, PT the parent model.
type Resource[T any, P store.ChildPtr[T], PT any, PP store.OwnedPtr[PT]] struct {
	docs    store.Store[T, P]
	parents store.Store[PT, PP]
	tx      store.Tx
	opts    Options
	cols    *schema.ColumnSet
	logger  *zap.Logger
	now     func() time.Time
}

// New generates the operation set for child type T under parent type PT.
func New[T any, P store.ChildPtr[T], PT any, PP store.OwnedPtr[PT]](
	docs store.Store[T, P],
	parents store.Store[PT, PP],
	tx store.Tx,
	opts Options,
) *Resource[T, P, PT, PP] {
	if opts.MaxBulk <= 0 {
		opts.MaxBulk = crud.DefaultMaxBulk
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PublicParent {
		if _, ok := any(PP(new(PT))).(schema.Publishable); !ok {
			panic("childcrud: PublicParent requires the parent type to implement schema.Publishable")
		}
	}
	if opts.RateLimit != nil && opts.Limiter == nil {
		panic("childcrud: RateLimit requires a Limiter")
	}
	return &Resource[T, P, PT, PP]{
		docs:    docs,
		parents: parents,
		tx:      tx,
		opts:    opts,
		cols:    schema.ColumnsOf(new(T)),
		logger:  opts.Logger.With(zap.String("table", docs.Name())),
		now:     time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (r *Resource[T, P, PT, PP]) SetClock(now func() time.Time) {
	r.now = now
}

// CascadeByParent returns the cascade deleting this table's rows when a
// parent is removed, for registration with the parent's resource.
func (r *Resource[T, P, PT, PP]) CascadeByParent() crud.Cascade {
	return func(ctx context.Context, parentID uuid.UUID) error {
		_, err := store.DeleteAll(ctx, r.docs, map[string]any{"parent_id": parentID}, store.CascadeBatch)
		return err
	}
}

func (r *Resource[T, P, PT, PP]) finish(op string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = string(apperr.CodeOf(err))
		if apperr.Is(err, apperr.CodeRateLimited) {
			r.opts.Metrics.RecordRateLimited(r.docs.Name())
		}
	}
	r.opts.Metrics.RecordOp(r.docs.Name(), op, code, time.Since(start))
}

// ownedParent resolves a parent and enforces the caller-owns-parent gate.
// Absent parents and foreign parents are indistinguishable.
func (r *Resource[T, P, PT, PP]) ownedParent(ctx context.Context, parentID uuid.UUID) (PP, error) {
	caller, ok := requestctx.User(ctx)
	if !ok {
		return nil, apperr.NotAuthenticated()
	}
	parent, err := r.parents.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.OwnerID() != caller {
		return nil, apperr.NotFound(r.parents.Name())
	}
	return parent, nil
}

// readableParent is ownedParent relaxed by the public-parent flag: a public
// parent grants read access to anyone, authenticated or not.
func (r *Resource[T, P, PT, PP]) readableParent(ctx context.Context, parentID uuid.UUID) (PP, error) {
	parent, err := r.parents.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, apperr.NotFound(r.parents.Name())
	}
	if r.opts.PublicParent {
		if pub, ok := any(parent).(schema.Publishable); ok && pub.IsPublic() {
			return parent, nil
		}
	}
	caller, ok := requestctx.User(ctx)
	if !ok {
		return nil, apperr.NotAuthenticated()
	}
	if parent.OwnerID() != caller {
		return nil, apperr.NotFound(r.parents.Name())
	}
	return parent, nil
}

func (r *Resource[T, P, PT, PP]) allow(ctx context.Context) error {
	rule := r.opts.RateLimit
	if rule == nil {
		return nil
	}
	key := "global"
	if rule.PerCaller {
		if caller, ok := requestctx.User(ctx); ok {
			key = caller.String()
		}
	}
	return r.opts.Limiter.Allow(ctx, r.docs.Name(), key, *rule)
}

// Create inserts a child under a parent the caller owns.
func (r *Resource[T, P, PT, PP]) Create(ctx context.Context, parentID uuid.UUID, doc P) (out P, err error) {
	start := r.now()
	defer func() { r.finish("create", start, err) }()
	if _, err := r.ownedParent(ctx, parentID); err != nil {
		return nil, err
	}
	now := r.now()
	doc.SetID(uuid.New())
	doc.SetCreatedAt(now)
	doc.SetParent(parentID)
	doc.Stamp(now)
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.allow(ctx); err != nil {
			return err
		}
		return r.docs.Insert(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Read fetches a child whose parent the caller may read.
func (r *Resource[T, P, PT, PP]) Read(ctx context.Context, id uuid.UUID) (out P, err error) {
	start := r.now()
	defer func() { r.finish("read", start, err) }()
	doc, err := r.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.NotFound(r.docs.Name())
	}
	if _, err := r.readableParent(ctx, doc.Parent()); err != nil {
		return nil, err
	}
	return doc, nil
}

// Update applies a partial update to a child whose parent the caller owns,
// with optional optimistic concurrency on expected.
func (r *Resource[T, P, PT, PP]) Update(ctx context.Context, id uuid.UUID, patch crud.Patch, expected *time.Time) (out P, err error) {
	start := r.now()
	defer func() { r.finish("update", start, err) }()
	var updated P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return apperr.NotFound(r.docs.Name())
		}
		if _, err := r.ownedParent(ctx, doc.Parent()); err != nil {
			return err
		}
		if expected != nil && !doc.StampedAt().Equal(*expected) {
			return apperr.Conflict("document was modified concurrently")
		}
		clean := r.cols.Sanitize(patch)
		if len(clean) == 0 {
			updated = doc
			return nil
		}
		clean["updated_at"] = r.now()
		if err := r.docs.Patch(ctx, id, clean); err != nil {
			return err
		}
		updated, err = r.docs.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Rm deletes a child whose parent the caller owns.
func (r *Resource[T, P, PT, PP]) Rm(ctx context.Context, id uuid.UUID) (err error) {
	start := r.now()
	defer func() { r.finish("rm", start, err) }()
	return r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return apperr.NotFound(r.docs.Name())
		}
		if _, err := r.ownedParent(ctx, doc.Parent()); err != nil {
			return err
		}
		return r.docs.Delete(ctx, id)
	})
}

// BulkRm deletes the subset of ids under parents the caller owns, returning
// the count actually removed.
func (r *Resource[T, P, PT, PP]) BulkRm(ctx context.Context, ids []uuid.UUID) (count int, err error) {
	start := r.now()
	defer func() { r.finish("bulk_rm", start, err) }()
	caller, ok := requestctx.User(ctx)
	if !ok {
		return 0, apperr.NotAuthenticated()
	}
	if len(ids) > r.opts.MaxBulk {
		return 0, apperr.ValidationFailed("too many ids for one bulk operation")
	}
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			doc, err := r.docs.Get(ctx, id)
			if err != nil {
				return err
			}
			if doc == nil {
				continue
			}
			parent, err := r.parents.Get(ctx, doc.Parent())
			if err != nil {
				return err
			}
			if parent == nil || parent.OwnerID() != caller {
				continue
			}
			if err := r.docs.Delete(ctx, id); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// List returns a page of a parent's children, newest first. The caller must
// be able to read the parent.
func (r *Resource[T, P, PT, PP]) List(ctx context.Context, parentID uuid.UUID, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("list", start, err) }()
	return r.list(ctx, parentID, cursor, limit, nil)
}

// Search returns a page of a parent's children whose search column contains
// term.
func (r *Resource[T, P, PT, PP]) Search(ctx context.Context, parentID uuid.UUID, term, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("search", start, err) }()
	if r.opts.SearchColumn == "" {
		return nil, apperr.ValidationFailed("search is not configured for this resource")
	}
	return r.list(ctx, parentID, cursor, limit, &store.Match{Column: r.opts.SearchColumn, Term: term})
}

func (r *Resource[T, P, PT, PP]) list(ctx context.Context, parentID uuid.UUID, cursor string, limit int, match *store.Match) (*pagination.Page[P], error) {
	if _, err := r.readableParent(ctx, parentID); err != nil {
		return nil, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.ValidationFailed("malformed cursor")
	}
	limit = pagination.ClampLimit(limit)
	docs, err := r.docs.List(ctx, store.ListQuery{
		Eq:    map[string]any{"parent_id": parentID},
		Match: match,
		After: after,
		Limit: limit + 1,
	})
	if err != nil {
		return nil, err
	}
	return pagination.PageOf(docs, limit), nil
}
