// Package crud generates the operation set for single-user-owned resources:
// create/read/update/delete, bulk variants, paginated list and search, with
// optional rate limiting, public-read visibility, cascading deletes, and
// file-attachment lifecycle.
package crud

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/files"
	"github.com/lazyapps/lazycrud/metrics"
	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/ratelimit"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/schema"
	"github.com/lazyapps/lazycrud/store"
)

// Patch is a partial update keyed by column name. Unknown and protected
// columns are stripped before the write.
type Patch map[string]any

// Cascade deletes the rows of a dependent table that reference a deleted
// parent. Cascades run inside the parent's delete transaction.
type Cascade func(ctx context.Context, parentID uuid.UUID) error

// DefaultMaxBulk caps bulk operations.
const DefaultMaxBulk = 100

// Options configures a generated resource.
type Options struct {
	// RateLimit guards Create when set; Limiter must then be set too.
	RateLimit *ratelimit.Rule
	Limiter   ratelimit.Limiter
	// Public enables "own or public" visibility. The document type must
	// implement schema.Publishable; PublicColumn defaults to "is_public".
	Public       bool
	PublicColumn string
	// SearchColumn enables Search over one column.
	SearchColumn string
	// MaxBulk caps bulk operations; defaults to DefaultMaxBulk.
	MaxBulk int
	// Cascade lists dependent-table deletions to run when a document is
	// removed.
	Cascade []Cascade
	// Files enables attachment lifecycle management.
	Files *files.Manager

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Resource is the generated operation set for one owned table.
type Resource[T any, P store.OwnedPtr[T]] struct {
	docs   store.Store[T, P]
	tx     store.Tx
	opts   Options
	cols   *schema.ColumnSet
	logger *zap.Logger
	now    func() time.Time
}

// New generates the operation set for T.
func New[T any, P store.OwnedPtr[T]](docs store.Store[T, P], tx store.Tx, opts Options) *Resource[T, P] {
	if opts.MaxBulk <= 0 {
		opts.MaxBulk = DefaultMaxBulk
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Public {
		if opts.PublicColumn == "" {
			opts.PublicColumn = "is_public"
		}
		if _, ok := any(P(new(T))).(schema.Publishable); !ok {
			panic("crud: Public requires the document type to implement schema.Publishable")
		}
	}
	if opts.RateLimit != nil && opts.Limiter == nil {
		panic("crud: RateLimit requires a Limiter")
	}
	return &Resource[T, P]{
		docs:   docs,
		tx:     tx,
		opts:   opts,
		cols:   schema.ColumnsOf(new(T)),
		logger: opts.Logger.With(zap.String("table", docs.Name())),
		now:    time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (r *Resource[T, P]) SetClock(now func() time.Time) {
	r.now = now
}

// CascadeByColumn returns a Cascade deleting this resource's rows whose
// column references the deleted parent, sweeping in bounded batches.
func (r *Resource[T, P]) CascadeByColumn(column string) Cascade {
	return func(ctx context.Context, parentID uuid.UUID) error {
		_, err := store.DeleteAll(ctx, r.docs, map[string]any{column: parentID}, store.CascadeBatch)
		return err
	}
}

func (r *Resource[T, P]) caller(ctx context.Context) (uuid.UUID, error) {
	id, ok := requestctx.User(ctx)
	if !ok {
		return uuid.Nil, apperr.NotAuthenticated()
	}
	return id, nil
}

func (r *Resource[T, P]) finish(op string, start time.Time, err error) {
	code := "ok"
	if err != nil {
		code = string(apperr.CodeOf(err))
		if apperr.Is(err, apperr.CodeRateLimited) {
			r.opts.Metrics.RecordRateLimited(r.docs.Name())
		}
	}
	r.opts.Metrics.RecordOp(r.docs.Name(), op, code, time.Since(start))
}

func (r *Resource[T, P]) allow(ctx context.Context, caller uuid.UUID) error {
	rule := r.opts.RateLimit
	if rule == nil {
		return nil
	}
	key := "global"
	if rule.PerCaller {
		key = caller.String()
	}
	return r.opts.Limiter.Allow(ctx, r.docs.Name(), key, *rule)
}

// getOwned fetches a document and enforces the ownership gate. Missing and
// foreign documents are indistinguishable to the caller.
func (r *Resource[T, P]) getOwned(ctx context.Context, id, caller uuid.UUID) (P, error) {
	doc, err := r.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.OwnerID() != caller {
		return nil, apperr.NotFound(r.docs.Name())
	}
	return doc, nil
}

// Create validates and inserts a document owned by the caller.
func (r *Resource[T, P]) Create(ctx context.Context, doc P) (out P, err error) {
	start := r.now()
	defer func() { r.finish("create", start, err) }()
	caller, err := r.caller(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	doc.SetID(uuid.New())
	doc.SetCreatedAt(now)
	doc.SetOwner(caller)
	doc.Stamp(now)
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.allow(ctx, caller); err != nil {
			return err
		}
		return r.docs.Insert(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("document created",
		zap.String("id", doc.GetID().String()),
		zap.String("user_id", caller.String()),
	)
	return doc, nil
}

// Read fetches a document the caller may see: their own, or a public one
// when public visibility is configured.
func (r *Resource[T, P]) Read(ctx context.Context, id uuid.UUID) (out P, err error) {
	start := r.now()
	defer func() { r.finish("read", start, err) }()
	doc, err := r.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.NotFound(r.docs.Name())
	}
	if r.opts.Public {
		if pub, ok := any(doc).(schema.Publishable); ok && pub.IsPublic() {
			return doc, nil
		}
	}
	caller, ok := requestctx.User(ctx)
	if !ok {
		return nil, apperr.NotAuthenticated()
	}
	if doc.OwnerID() != caller {
		return nil, apperr.NotFound(r.docs.Name())
	}
	return doc, nil
}

// Update applies a partial update under the ownership gate. When expected is
// set, a mismatch with the document's updatedAt fails with CONFLICT instead
// of overwriting the concurrent write. Replaced or cleared file blobs are
// deleted once the write commits.
func (r *Resource[T, P]) Update(ctx context.Context, id uuid.UUID, patch Patch, expected *time.Time) (out P, err error) {
	start := r.now()
	defer func() { r.finish("update", start, err) }()
	caller, err := r.caller(ctx)
	if err != nil {
		return nil, err
	}
	var orphaned []schema.FileID
	var updated P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.getOwned(ctx, id, caller)
		if err != nil {
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
		orphaned = r.orphanedFiles(doc, clean)
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
	r.cleanupBlobs(ctx, orphaned)
	return updated, nil
}

// orphanedFiles collects blob ids a sanitized patch replaces or clears.
func (r *Resource[T, P]) orphanedFiles(doc P, clean map[string]any) []schema.FileID {
	if r.opts.Files == nil {
		return nil
	}
	var orphaned []schema.FileID
	for _, col := range r.cols.FileColumns() {
		newVal, ok := clean[col.Name]
		if !ok {
			continue
		}
		oldVal, _ := r.cols.Value(doc, col.Name)
		oldID, newID := files.ToID(oldVal), files.ToID(newVal)
		if oldID != "" && oldID != newID {
			orphaned = append(orphaned, oldID)
		}
	}
	return orphaned
}

func (r *Resource[T, P]) cleanupBlobs(ctx context.Context, orphaned []schema.FileID) {
	if r.opts.Files == nil || len(orphaned) == 0 {
		return
	}
	r.opts.Files.Reconcile(ctx, orphaned, nil)
}

// Rm deletes a document under the ownership gate, cascading to dependent
// tables and cleaning up its blobs.
func (r *Resource[T, P]) Rm(ctx context.Context, id uuid.UUID) (err error) {
	start := r.now()
	defer func() { r.finish("rm", start, err) }()
	caller, err := r.caller(ctx)
	if err != nil {
		return err
	}
	var removed P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.getOwned(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := r.docs.Delete(ctx, id); err != nil {
			return err
		}
		for _, cascade := range r.opts.Cascade {
			if err := cascade(ctx, id); err != nil {
				return err
			}
		}
		removed = doc
		return nil
	})
	if err != nil {
		return err
	}
	if r.opts.Files != nil {
		r.opts.Files.CleanupDoc(ctx, removed)
	}
	r.logger.Info("document deleted", zap.String("id", id.String()))
	return nil
}

// BulkRm deletes the subset of ids the caller owns and returns the count
// actually removed. Foreign ids are skipped, not failed.
func (r *Resource[T, P]) BulkRm(ctx context.Context, ids []uuid.UUID) (count int, err error) {
	start := r.now()
	defer func() { r.finish("bulk_rm", start, err) }()
	caller, err := r.caller(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) > r.opts.MaxBulk {
		return 0, apperr.ValidationFailed("too many ids for one bulk operation")
	}
	var removed []P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			doc, err := r.docs.Get(ctx, id)
			if err != nil {
				return err
			}
			if doc == nil || doc.OwnerID() != caller {
				continue
			}
			if err := r.docs.Delete(ctx, id); err != nil {
				return err
			}
			for _, cascade := range r.opts.Cascade {
				if err := cascade(ctx, id); err != nil {
					return err
				}
			}
			removed = append(removed, doc)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if r.opts.Files != nil {
		for _, doc := range removed {
			r.opts.Files.CleanupDoc(ctx, doc)
		}
	}
	return len(removed), nil
}

// BulkUpdate patches the subset of ids the caller owns and returns the count
// actually updated.
func (r *Resource[T, P]) BulkUpdate(ctx context.Context, ids []uuid.UUID, patch Patch) (count int, err error) {
	start := r.now()
	defer func() { r.finish("bulk_update", start, err) }()
	caller, err := r.caller(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) > r.opts.MaxBulk {
		return 0, apperr.ValidationFailed("too many ids for one bulk operation")
	}
	clean := r.cols.Sanitize(patch)
	if len(clean) == 0 {
		return 0, nil
	}
	var orphaned []schema.FileID
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			doc, err := r.docs.Get(ctx, id)
			if err != nil {
				return err
			}
			if doc == nil || doc.OwnerID() != caller {
				continue
			}
			orphaned = append(orphaned, r.orphanedFiles(doc, clean)...)
			fields := make(map[string]any, len(clean)+1)
			for k, v := range clean {
				fields[k] = v
			}
			fields["updated_at"] = r.now()
			if err := r.docs.Patch(ctx, id, fields); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.cleanupBlobs(ctx, orphaned)
	return count, nil
}

func (r *Resource[T, P]) visibility(ctx context.Context) (*uuid.UUID, string, error) {
	caller, ok := requestctx.User(ctx)
	if !ok {
		if !r.opts.Public {
			return nil, "", apperr.NotAuthenticated()
		}
		return nil, r.opts.PublicColumn, nil
	}
	publicCol := ""
	if r.opts.Public {
		publicCol = r.opts.PublicColumn
	}
	return &caller, publicCol, nil
}

// List returns a page of documents the caller may see, newest first.
func (r *Resource[T, P]) List(ctx context.Context, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("list", start, err) }()
	return r.list(ctx, cursor, limit, nil)
}

// Search returns a page of visible documents whose search column contains
// term, newest first.
func (r *Resource[T, P]) Search(ctx context.Context, term, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("search", start, err) }()
	if r.opts.SearchColumn == "" {
		return nil, apperr.ValidationFailed("search is not configured for this resource")
	}
	return r.list(ctx, cursor, limit, &store.Match{Column: r.opts.SearchColumn, Term: term})
}

func (r *Resource[T, P]) list(ctx context.Context, cursor string, limit int, match *store.Match) (*pagination.Page[P], error) {
	owner, publicCol, err := r.visibility(ctx)
	if err != nil {
		return nil, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.ValidationFailed("malformed cursor")
	}
	limit = pagination.ClampLimit(limit)
	docs, err := r.docs.List(ctx, store.ListQuery{
		Owner:        owner,
		PublicColumn: publicCol,
		Match:        match,
		After:        after,
		Limit:        limit + 1,
	})
	if err != nil {
		return nil, err
	}
	return pagination.PageOf(docs, limit), nil
}

// FileURLs returns signed URLs for the blobs a document references.
func (r *Resource[T, P]) FileURLs(ctx context.Context, doc P) (map[schema.FileID]string, error) {
	if r.opts.Files == nil {
		return nil, nil
	}
	return r.opts.Files.Hydrate(ctx, doc)
}
