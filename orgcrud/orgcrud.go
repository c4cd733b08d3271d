// Package orgcrud generates operation sets for organization-scoped resources.
// It layers per-call role authorization, an optional per-document editor ACL,
// and optional soft delete on top of the owned CRUD shape.
package orgcrud

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/crud"
	"github.com/lazyapps/lazycrud/files"
	"github.com/lazyapps/lazycrud/metrics"
	"github.com/lazyapps/lazycrud/org"
	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/ratelimit"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/schema"
	"github.com/lazyapps/lazycrud/store"
)

// MaxEditors caps a document's editor ACL.
const MaxEditors = 100

// ACLResolver returns the editor list governing a document. Used when the
// ACL lives on a parent document instead of the document itself.
type ACLResolver func(ctx context.Context, doc schema.OrgDoc) ([]uuid.UUID, error)

// EditorsOf builds an ACLResolver that follows a parent-id column to another
// org-scoped table and reads its editor list. A missing parent grants nobody.
func EditorsOf[T any, P store.OrgPtr[T]](parents store.Store[T, P], column string) ACLResolver {
	return func(ctx context.Context, doc schema.OrgDoc) ([]uuid.UUID, error) {
		raw, ok := schema.ColumnsOf(doc).Value(doc, column)
		if !ok {
			return nil, nil
		}
		parentID, ok := raw.(uuid.UUID)
		if !ok || parentID == uuid.Nil {
			return nil, nil
		}
		parent, err := parents.Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, nil
		}
		return parent.EditorIDs(), nil
	}
}

// Options configures a generated org resource.
type Options struct {
	// Roles resolves caller roles; required.
	Roles org.RoleResolver
	// MinRole is the role that always passes write authorization; defaults to
	// admin.
	MinRole org.Role
	// ACL additionally admits the document creator and listed editors to
	// writes.
	ACL bool
	// ACLFrom resolves the editor list through a parent document instead of
	// the document's own list. Implies ACL.
	ACLFrom ACLResolver
	// SoftDelete makes Rm mark instead of erase; Restore and ListDeleted
	// become available.
	SoftDelete bool

	RateLimit    *ratelimit.Rule
	Limiter      ratelimit.Limiter
	SearchColumn string
	MaxBulk      int
	// Cascade lists dependent-table deletions to run on hard delete.
	Cascade []crud.Cascade
	Files   *files.Manager

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Resource is the generated operation set for one org-scoped table.
type Resource[T any, P store.OrgPtr[T]] struct {
	docs   store.Store[T, P]
	tx     store.Tx
	opts   Options
	cols   *schema.ColumnSet
	logger *zap.Logger
	now    func() time.Time
}

// New generates the operation set for T.
func New[T any, P store.OrgPtr[T]](docs store.Store[T, P], tx store.Tx, opts Options) *Resource[T, P] {
	if opts.Roles == nil {
		panic("orgcrud: Roles resolver is required")
	}
	if opts.MinRole == "" {
		opts.MinRole = org.RoleAdmin
	}
	if opts.ACLFrom != nil {
		opts.ACL = true
	}
	if opts.MaxBulk <= 0 {
		opts.MaxBulk = crud.DefaultMaxBulk
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RateLimit != nil && opts.Limiter == nil {
		panic("orgcrud: RateLimit requires a Limiter")
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

// CascadeByOrg returns the org-removal cascade for this table, for
// registration with the membership engine.
func (r *Resource[T, P]) CascadeByOrg() org.Cascade {
	return func(ctx context.Context, orgID uuid.UUID) error {
		_, err := store.DeleteAll(ctx, r.docs, map[string]any{"org_id": orgID}, store.CascadeBatch)
		return err
	}
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

// resolve authenticates the caller and resolves their role in orgID.
func (r *Resource[T, P]) resolve(ctx context.Context, orgID uuid.UUID) (uuid.UUID, org.Role, error) {
	caller, ok := requestctx.User(ctx)
	if !ok {
		return uuid.Nil, "", apperr.NotAuthenticated()
	}
	role, member, err := r.opts.Roles.Resolve(ctx, orgID, caller)
	if err != nil {
		return uuid.Nil, "", err
	}
	if !member {
		return uuid.Nil, "", apperr.NotOrgMember()
	}
	return caller, role, nil
}

// canWrite applies the write gate: sufficient role, or under ACL the creator
// and listed editors.
func (r *Resource[T, P]) canWrite(ctx context.Context, caller uuid.UUID, role org.Role, doc P) (bool, error) {
	if role.IsAtLeast(r.opts.MinRole) {
		return true, nil
	}
	if !r.opts.ACL {
		return false, nil
	}
	if doc.OwnerID() == caller {
		return true, nil
	}
	editors, err := r.editors(ctx, doc)
	if err != nil {
		return false, err
	}
	for _, id := range editors {
		if id == caller {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resource[T, P]) editors(ctx context.Context, doc P) ([]uuid.UUID, error) {
	if r.opts.ACLFrom != nil {
		return r.opts.ACLFrom(ctx, doc)
	}
	return doc.EditorIDs(), nil
}

// get fetches a live document, hiding soft-deleted rows.
func (r *Resource[T, P]) get(ctx context.Context, id uuid.UUID) (P, error) {
	doc, err := r.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || (r.opts.SoftDelete && doc.DeletedStamp() != nil) {
		return nil, apperr.NotFound(r.docs.Name())
	}
	return doc, nil
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

// Create inserts a document into orgID. Any member may create; the caller
// becomes the document's creator.
func (r *Resource[T, P]) Create(ctx context.Context, orgID uuid.UUID, doc P) (out P, err error) {
	start := r.now()
	defer func() { r.finish("create", start, err) }()
	caller, _, err := r.resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	doc.SetID(uuid.New())
	doc.SetCreatedAt(now)
	doc.SetOwner(caller)
	doc.SetOrg(orgID)
	doc.SetDeletedStamp(nil)
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
		zap.String("org_id", orgID.String()),
		zap.String("user_id", caller.String()),
	)
	return doc, nil
}

// Read fetches a live document. Any member of its organization may read.
func (r *Resource[T, P]) Read(ctx context.Context, id uuid.UUID) (out P, err error) {
	start := r.now()
	defer func() { r.finish("read", start, err) }()
	doc, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := r.resolve(ctx, doc.Org()); err != nil {
		return nil, err
	}
	return doc, nil
}

// Update applies a partial update under the write gate, with optional
// optimistic concurrency on expected.
func (r *Resource[T, P]) Update(ctx context.Context, id uuid.UUID, patch crud.Patch, expected *time.Time) (out P, err error) {
	start := r.now()
	defer func() { r.finish("update", start, err) }()
	var orphaned []schema.FileID
	var updated P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.get(ctx, id)
		if err != nil {
			return err
		}
		caller, role, err := r.resolve(ctx, doc.Org())
		if err != nil {
			return err
		}
		allowed, err := r.canWrite(ctx, caller, role, doc)
		if err != nil {
			return err
		}
		if !allowed {
			return apperr.InsufficientOrgRole(string(r.opts.MinRole))
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
	if r.opts.Files != nil && len(orphaned) > 0 {
		r.opts.Files.Reconcile(ctx, orphaned, nil)
	}
	return updated, nil
}

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

// Rm deletes a document under the write gate. With soft delete it marks the
// row and keeps it; otherwise it erases the row, runs cascades, and cleans
// up blobs.
func (r *Resource[T, P]) Rm(ctx context.Context, id uuid.UUID) (err error) {
	start := r.now()
	defer func() { r.finish("rm", start, err) }()
	var removed P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.get(ctx, id)
		if err != nil {
			return err
		}
		caller, role, err := r.resolve(ctx, doc.Org())
		if err != nil {
			return err
		}
		allowed, err := r.canWrite(ctx, caller, role, doc)
		if err != nil {
			return err
		}
		if !allowed {
			return apperr.InsufficientOrgRole(string(r.opts.MinRole))
		}
		if r.opts.SoftDelete {
			now := r.now()
			return r.docs.Patch(ctx, id, map[string]any{
				"deleted_at": now, "updated_at": now,
			})
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
	if !r.opts.SoftDelete && r.opts.Files != nil {
		r.opts.Files.CleanupDoc(ctx, removed)
	}
	return nil
}

// Restore clears a soft-deleted document's marker under the write gate.
func (r *Resource[T, P]) Restore(ctx context.Context, id uuid.UUID) (out P, err error) {
	start := r.now()
	defer func() { r.finish("restore", start, err) }()
	if !r.opts.SoftDelete {
		return nil, apperr.ValidationFailed("soft delete is not configured for this resource")
	}
	var restored P
	err = r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.docs.Get(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil || doc.DeletedStamp() == nil {
			return apperr.NotFound(r.docs.Name())
		}
		caller, role, err := r.resolve(ctx, doc.Org())
		if err != nil {
			return err
		}
		allowed, err := r.canWrite(ctx, caller, role, doc)
		if err != nil {
			return err
		}
		if !allowed {
			return apperr.InsufficientOrgRole(string(r.opts.MinRole))
		}
		now := r.now()
		if err := r.docs.Patch(ctx, id, map[string]any{
			"deleted_at": nil, "updated_at": now,
		}); err != nil {
			return err
		}
		restored, err = r.docs.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// BulkRm deletes the subset of ids in orgID the caller may write, returning
// the count actually removed. Honors soft delete.
func (r *Resource[T, P]) BulkRm(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (count int, err error) {
	start := r.now()
	defer func() { r.finish("bulk_rm", start, err) }()
	caller, role, err := r.resolve(ctx, orgID)
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
			if doc == nil || doc.Org() != orgID {
				continue
			}
			if r.opts.SoftDelete && doc.DeletedStamp() != nil {
				continue
			}
			allowed, err := r.canWrite(ctx, caller, role, doc)
			if err != nil {
				return err
			}
			if !allowed {
				continue
			}
			if r.opts.SoftDelete {
				now := r.now()
				if err := r.docs.Patch(ctx, id, map[string]any{
					"deleted_at": now, "updated_at": now,
				}); err != nil {
					return err
				}
				count++
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
			count++
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
	return count, nil
}

// BulkUpdate patches the subset of ids in orgID the caller may write,
// returning the count actually updated.
func (r *Resource[T, P]) BulkUpdate(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID, patch crud.Patch) (count int, err error) {
	start := r.now()
	defer func() { r.finish("bulk_update", start, err) }()
	caller, role, err := r.resolve(ctx, orgID)
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
			if doc == nil || doc.Org() != orgID {
				continue
			}
			if r.opts.SoftDelete && doc.DeletedStamp() != nil {
				continue
			}
			allowed, err := r.canWrite(ctx, caller, role, doc)
			if err != nil {
				return err
			}
			if !allowed {
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
	if r.opts.Files != nil && len(orphaned) > 0 {
		r.opts.Files.Reconcile(ctx, orphaned, nil)
	}
	return count, nil
}

// List returns a page of the organization's live documents, newest first.
// Any member may list.
func (r *Resource[T, P]) List(ctx context.Context, orgID uuid.UUID, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("list", start, err) }()
	if _, _, err := r.resolve(ctx, orgID); err != nil {
		return nil, err
	}
	return r.list(ctx, orgID, cursor, limit, nil, false)
}

// Search returns a page of live documents whose search column contains term.
func (r *Resource[T, P]) Search(ctx context.Context, orgID uuid.UUID, term, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("search", start, err) }()
	if r.opts.SearchColumn == "" {
		return nil, apperr.ValidationFailed("search is not configured for this resource")
	}
	if _, _, err := r.resolve(ctx, orgID); err != nil {
		return nil, err
	}
	return r.list(ctx, orgID, cursor, limit, &store.Match{Column: r.opts.SearchColumn, Term: term}, false)
}

// ListDeleted surfaces soft-deleted documents. Admin-only.
func (r *Resource[T, P]) ListDeleted(ctx context.Context, orgID uuid.UUID, cursor string, limit int) (page *pagination.Page[P], err error) {
	start := r.now()
	defer func() { r.finish("list_deleted", start, err) }()
	if !r.opts.SoftDelete {
		return nil, apperr.ValidationFailed("soft delete is not configured for this resource")
	}
	_, role, err := r.resolve(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !role.IsAtLeast(org.RoleAdmin) {
		return nil, apperr.InsufficientOrgRole(string(org.RoleAdmin))
	}
	return r.list(ctx, orgID, cursor, limit, nil, true)
}

func (r *Resource[T, P]) list(ctx context.Context, orgID uuid.UUID, cursor string, limit int, match *store.Match, deleted bool) (*pagination.Page[P], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.ValidationFailed("malformed cursor")
	}
	limit = pagination.ClampLimit(limit)
	q := store.ListQuery{
		Eq:    map[string]any{"org_id": orgID},
		Match: match,
		After: after,
		Limit: limit + 1,
	}
	if r.opts.SoftDelete {
		if deleted {
			q.NotNull = []string{"deleted_at"}
		} else {
			q.Null = []string{"deleted_at"}
		}
	}
	docs, err := r.docs.List(ctx, q)
	if err != nil {
		return nil, err
	}
	return pagination.PageOf(docs, limit), nil
}

// requireAdminOnOwnACL guards the editor mutations: admin role, and the ACL
// must live on this table.
func (r *Resource[T, P]) requireAdminOnOwnACL(ctx context.Context, id uuid.UUID) (P, error) {
	if !r.opts.ACL || r.opts.ACLFrom != nil {
		return nil, apperr.ValidationFailed("this resource does not carry its own editor list")
	}
	doc, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	_, role, err := r.resolve(ctx, doc.Org())
	if err != nil {
		return nil, err
	}
	if !role.IsAtLeast(org.RoleAdmin) {
		return nil, apperr.InsufficientOrgRole(string(org.RoleAdmin))
	}
	return doc, nil
}

// Editors returns a document's editor list. Admin-only.
func (r *Resource[T, P]) Editors(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	doc, err := r.requireAdminOnOwnACL(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.EditorIDs(), nil
}

// AddEditor appends a user to a document's editor list. Admin-only; the list
// is capped at MaxEditors.
func (r *Resource[T, P]) AddEditor(ctx context.Context, id, userID uuid.UUID) error {
	return r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.requireAdminOnOwnACL(ctx, id)
		if err != nil {
			return err
		}
		editors := doc.EditorIDs()
		for _, e := range editors {
			if e == userID {
				return nil
			}
		}
		if len(editors) >= MaxEditors {
			return apperr.ValidationFailed("editor list is full")
		}
		doc.SetEditorIDs(append(editors, userID))
		doc.Stamp(r.now())
		return r.docs.Save(ctx, doc)
	})
}

// RemoveEditor drops a user from a document's editor list. Admin-only.
func (r *Resource[T, P]) RemoveEditor(ctx context.Context, id, userID uuid.UUID) error {
	return r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.requireAdminOnOwnACL(ctx, id)
		if err != nil {
			return err
		}
		editors := doc.EditorIDs()
		kept := editors[:0]
		for _, e := range editors {
			if e != userID {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(editors) {
			return nil
		}
		doc.SetEditorIDs(kept)
		doc.Stamp(r.now())
		return r.docs.Save(ctx, doc)
	})
}

// SetEditors replaces a document's editor list. Admin-only; capped at
// MaxEditors.
func (r *Resource[T, P]) SetEditors(ctx context.Context, id uuid.UUID, editors []uuid.UUID) error {
	if len(editors) > MaxEditors {
		return apperr.ValidationFailed("editor list is full")
	}
	return r.tx.RunInTx(ctx, func(ctx context.Context) error {
		doc, err := r.requireAdminOnOwnACL(ctx, id)
		if err != nil {
			return err
		}
		doc.SetEditorIDs(editors)
		doc.Stamp(r.now())
		return r.docs.Save(ctx, doc)
	})
}
