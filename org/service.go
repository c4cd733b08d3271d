package org

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/files"
	"github.com/lazyapps/lazycrud/pagination"
	"github.com/lazyapps/lazycrud/random"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/store"
)

// InviteTokenLength is the fixed invite token length.
const InviteTokenLength = 32

// DefaultInviteTTL is the invite validity window when none is configured.
const DefaultInviteTTL = 7 * 24 * time.Hour

// Slugs are lowercase alphanumeric with interior hyphens, at most 63 chars.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidSlug reports whether s is an acceptable organization slug.
func ValidSlug(s string) bool {
	return len(s) <= 63 && slugPattern.MatchString(s)
}

// Cascade deletes the rows of one table scoped to a deleted organization.
type Cascade func(ctx context.Context, orgID uuid.UUID) error

// Options configures the membership engine.
type Options struct {
	// InviteTTL is the invite validity window; defaults to DefaultInviteTTL.
	InviteTTL time.Duration
	// Cascade lists per-table deletions run when an organization is removed.
	Cascade []Cascade
	// Files enables avatar blob cleanup on organization removal.
	Files *files.Manager

	Logger *zap.Logger
}

// Service is the membership engine over four document stores.
type Service struct {
	orgs     store.Store[Organization, *Organization]
	members  store.Store[Member, *Member]
	invites  store.Store[Invite, *Invite]
	requests store.Store[JoinRequest, *JoinRequest]
	tx       store.Tx
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates the membership engine.
func NewService(
	orgs store.Store[Organization, *Organization],
	members store.Store[Member, *Member],
	invites store.Store[Invite, *Invite],
	requests store.Store[JoinRequest, *JoinRequest],
	tx store.Tx,
	opts Options,
) *Service {
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = DefaultInviteTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		orgs:     orgs,
		members:  members,
		invites:  invites,
		requests: requests,
		tx:       tx,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RegisterCascade adds a per-table deletion to run on organization removal.
func (s *Service) RegisterCascade(c Cascade) {
	s.opts.Cascade = append(s.opts.Cascade, c)
}

func (s *Service) caller(ctx context.Context) (uuid.UUID, error) {
	id, ok := requestctx.User(ctx)
	if !ok {
		return uuid.Nil, apperr.NotAuthenticated()
	}
	return id, nil
}

// Resolve implements RoleResolver. The owner is resolved from the
// organization row; everyone else from their membership row.
func (s *Service) Resolve(ctx context.Context, orgID, userID uuid.UUID) (Role, bool, error) {
	o, err := s.orgs.Get(ctx, orgID)
	if err != nil {
		return "", false, err
	}
	if o == nil {
		return "", false, nil
	}
	if o.UserID == userID {
		return RoleOwner, true, nil
	}
	m, err := s.members.First(ctx, map[string]any{"org_id": orgID, "user_id": userID})
	if err != nil {
		return "", false, err
	}
	if m == nil {
		return "", false, nil
	}
	if m.IsAdmin {
		return RoleAdmin, true, nil
	}
	return RoleMember, true, nil
}

// require resolves the caller's role in orgID and enforces the minimum. The
// organization must exist; non-members get NOT_ORG_MEMBER.
func (s *Service) require(ctx context.Context, orgID uuid.UUID, min Role) (uuid.UUID, *Organization, Role, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return uuid.Nil, nil, "", err
	}
	o, err := s.orgs.Get(ctx, orgID)
	if err != nil {
		return uuid.Nil, nil, "", err
	}
	if o == nil {
		return uuid.Nil, nil, "", apperr.NotFound("organization")
	}
	role, ok, err := s.Resolve(ctx, orgID, caller)
	if err != nil {
		return uuid.Nil, nil, "", err
	}
	if !ok {
		return uuid.Nil, nil, "", apperr.NotOrgMember()
	}
	if !role.IsAtLeast(min) {
		return uuid.Nil, nil, "", apperr.InsufficientOrgRole(string(min))
	}
	return caller, o, role, nil
}

// Create makes a new organization owned by the caller. The slug must be
// well-formed and globally unique.
func (s *Service) Create(ctx context.Context, name, slug string) (*Organization, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apperr.ValidationFailed("organization name is required")
	}
	if !ValidSlug(slug) {
		return nil, apperr.ValidationFailed("malformed slug")
	}
	now := s.now()
	o := &Organization{Name: name, Slug: slug}
	o.ID = uuid.New()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.UserID = caller
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.orgs.First(ctx, map[string]any{"slug": slug})
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.New(apperr.CodeOrgSlugTaken, "slug is already in use")
		}
		return s.orgs.Insert(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("organization created",
		zap.String("org_id", o.ID.String()),
		zap.String("slug", slug),
		zap.String("owner_id", caller.String()),
	)
	return o, nil
}

// Update renames an organization or changes its slug. Requires admin. A slug
// change is revalidated for uniqueness; re-assigning the current slug is a
// no-op, not a collision.
func (s *Service) Update(ctx context.Context, orgID uuid.UUID, name, slug *string) (*Organization, error) {
	_, o, _, err := s.require(ctx, orgID, RoleAdmin)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if name != nil {
		if *name == "" {
			return nil, apperr.ValidationFailed("organization name is required")
		}
		fields["name"] = *name
	}
	if slug != nil && *slug != o.Slug {
		if !ValidSlug(*slug) {
			return nil, apperr.ValidationFailed("malformed slug")
		}
		fields["slug"] = *slug
	}
	if len(fields) == 0 {
		return o, nil
	}
	fields["updated_at"] = s.now()
	var updated *Organization
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if newSlug, ok := fields["slug"]; ok {
			existing, err := s.orgs.First(ctx, map[string]any{"slug": newSlug})
			if err != nil {
				return err
			}
			if existing != nil && existing.ID != orgID {
				return apperr.New(apperr.CodeOrgSlugTaken, "slug is already in use")
			}
		}
		if err := s.orgs.Patch(ctx, orgID, fields); err != nil {
			return err
		}
		var err error
		updated, err = s.orgs.Get(ctx, orgID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// IsSlugAvailable reports whether a slug is free. Publicly callable.
func (s *Service) IsSlugAvailable(ctx context.Context, slug string) (bool, error) {
	if !ValidSlug(slug) {
		return false, nil
	}
	existing, err := s.orgs.First(ctx, map[string]any{"slug": slug})
	if err != nil {
		return false, err
	}
	return existing == nil, nil
}

// Invite creates an email invitation carrying an opaque single-use token.
// Requires admin. Whether the email maps to an account is resolved at accept
// time, not here.
func (s *Service) Invite(ctx context.Context, orgID uuid.UUID, email string, isAdmin bool) (*Invite, error) {
	caller, _, _, err := s.require(ctx, orgID, RoleAdmin)
	if err != nil {
		return nil, err
	}
	if email == "" {
		return nil, apperr.ValidationFailed("invite email is required")
	}
	token, err := random.SecureToken(InviteTokenLength)
	if err != nil {
		return nil, apperr.Internal("generate invite token", err)
	}
	now := s.now()
	inv := &Invite{
		OrgID:     orgID,
		Email:     email,
		IsAdmin:   isAdmin,
		Token:     token,
		InvitedBy: caller,
		ExpiresAt: now.Add(s.opts.InviteTTL),
	}
	inv.ID = uuid.New()
	inv.CreatedAt = now
	if err := s.invites.Insert(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.Info("invite created",
		zap.String("org_id", orgID.String()),
		zap.String("invite_id", inv.ID.String()),
		zap.Bool("is_admin", isAdmin),
	)
	return inv, nil
}

// AcceptInvite converts a valid invite into a membership for the caller and
// deletes the invite. A consumed or unknown token is INVALID_INVITE; a stale
// one INVITE_EXPIRED; an existing membership ALREADY_ORG_MEMBER.
func (s *Service) AcceptInvite(ctx context.Context, token string) (*Member, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var m *Member
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inv, err := s.invites.First(ctx, map[string]any{"token": token})
		if err != nil {
			return err
		}
		if inv == nil {
			return apperr.New(apperr.CodeInvalidInvite, "invite not found")
		}
		if inv.Expired(s.now()) {
			return apperr.New(apperr.CodeInviteExpired, "invite has expired")
		}
		_, ok, err := s.Resolve(ctx, inv.OrgID, caller)
		if err != nil {
			return err
		}
		if ok {
			return apperr.New(apperr.CodeAlreadyOrgMember, "already a member of this organization")
		}
		m = &Member{OrgID: inv.OrgID, UserID: caller, IsAdmin: inv.IsAdmin}
		m.ID = uuid.New()
		m.CreatedAt = s.now()
		if err := s.members.Insert(ctx, m); err != nil {
			return err
		}
		return s.invites.Delete(ctx, inv.ID)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("invite accepted",
		zap.String("org_id", m.OrgID.String()),
		zap.String("user_id", caller.String()),
		zap.Bool("is_admin", m.IsAdmin),
	)
	return m, nil
}

// RevokeInvite deletes a pending invite. Requires admin in the invite's
// organization.
func (s *Service) RevokeInvite(ctx context.Context, inviteID uuid.UUID) error {
	inv, err := s.invites.Get(ctx, inviteID)
	if err != nil {
		return err
	}
	if inv == nil {
		return apperr.NotFound("invite")
	}
	if _, _, _, err := s.require(ctx, inv.OrgID, RoleAdmin); err != nil {
		return err
	}
	return s.invites.Delete(ctx, inviteID)
}

// RequestJoin files a membership request. At most one pending request exists
// per (org, user); members cannot request.
func (s *Service) RequestJoin(ctx context.Context, orgID uuid.UUID, message string) (*JoinRequest, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	o, err := s.orgs.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.NotFound("organization")
	}
	var req *JoinRequest
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		_, ok, err := s.Resolve(ctx, orgID, caller)
		if err != nil {
			return err
		}
		if ok {
			return apperr.New(apperr.CodeAlreadyOrgMember, "already a member of this organization")
		}
		pending, err := s.requests.First(ctx, map[string]any{
			"org_id": orgID, "user_id": caller, "status": JoinRequestPending,
		})
		if err != nil {
			return err
		}
		if pending != nil {
			return apperr.New(apperr.CodeJoinRequestExists, "a pending join request already exists")
		}
		req = &JoinRequest{OrgID: orgID, UserID: caller, Status: JoinRequestPending, Message: message}
		req.ID = uuid.New()
		req.CreatedAt = s.now()
		return s.requests.Insert(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ApproveJoinRequest converts a pending request into a membership and marks
// it approved. Requires admin. Terminal: non-pending requests cannot be
// re-approved.
func (s *Service) ApproveJoinRequest(ctx context.Context, requestID uuid.UUID, isAdmin bool) (*Member, error) {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperr.NotFound("join request")
	}
	if _, _, _, err := s.require(ctx, req.OrgID, RoleAdmin); err != nil {
		return nil, err
	}
	var m *Member
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if req.Status != JoinRequestPending {
			return apperr.Conflict("join request is not pending")
		}
		m = &Member{OrgID: req.OrgID, UserID: req.UserID, IsAdmin: isAdmin}
		m.ID = uuid.New()
		m.CreatedAt = s.now()
		if err := s.members.Insert(ctx, m); err != nil {
			return err
		}
		return s.requests.Patch(ctx, requestID, map[string]any{"status": JoinRequestApproved})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RejectJoinRequest marks a pending request rejected. Requires admin.
// Terminal, but the user may file a fresh request afterwards.
func (s *Service) RejectJoinRequest(ctx context.Context, requestID uuid.UUID) error {
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return apperr.NotFound("join request")
	}
	if _, _, _, err := s.require(ctx, req.OrgID, RoleAdmin); err != nil {
		return err
	}
	if req.Status != JoinRequestPending {
		return apperr.Conflict("join request is not pending")
	}
	return s.requests.Patch(ctx, requestID, map[string]any{"status": JoinRequestRejected})
}

// CancelJoinRequest withdraws the caller's own pending request. A foreign
// request is FORBIDDEN; a non-pending one NOT_FOUND.
func (s *Service) CancelJoinRequest(ctx context.Context, requestID uuid.UUID) error {
	caller, err := s.caller(ctx)
	if err != nil {
		return err
	}
	req, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil {
		return apperr.NotFound("join request")
	}
	if req.UserID != caller {
		return apperr.Forbidden("not your join request")
	}
	if req.Status != JoinRequestPending {
		return apperr.NotFound("pending join request")
	}
	return s.requests.Delete(ctx, requestID)
}

// SetAdmin promotes or demotes a member. Owner-only.
func (s *Service) SetAdmin(ctx context.Context, memberID uuid.UUID, isAdmin bool) (*Member, error) {
	m, err := s.members.Get(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperr.NotFound("member")
	}
	if _, _, _, err := s.require(ctx, m.OrgID, RoleOwner); err != nil {
		return nil, err
	}
	if err := s.members.Patch(ctx, memberID, map[string]any{"is_admin": isAdmin}); err != nil {
		return nil, err
	}
	m.IsAdmin = isAdmin
	return m, nil
}

// RemoveMember deletes a membership. The owner cannot be removed; admins can
// only be removed by the owner; plain members by any admin.
func (s *Service) RemoveMember(ctx context.Context, memberID uuid.UUID) error {
	m, err := s.members.Get(ctx, memberID)
	if err != nil {
		return err
	}
	if m == nil {
		return apperr.NotFound("member")
	}
	_, o, role, err := s.require(ctx, m.OrgID, RoleAdmin)
	if err != nil {
		return err
	}
	if m.UserID == o.UserID {
		return apperr.New(apperr.CodeCannotModifyOwner, "the owner cannot be removed")
	}
	if m.IsAdmin && role != RoleOwner {
		return apperr.New(apperr.CodeCannotModifyAdmin, "only the owner can remove an admin")
	}
	if err := s.members.Delete(ctx, memberID); err != nil {
		return err
	}
	s.logger.Info("member removed",
		zap.String("org_id", m.OrgID.String()),
		zap.String("user_id", m.UserID.String()),
	)
	return nil
}

// Leave removes the caller's own membership. The owner cannot leave; an org
// is never ownerless.
func (s *Service) Leave(ctx context.Context, orgID uuid.UUID) error {
	caller, o, _, err := s.require(ctx, orgID, RoleMember)
	if err != nil {
		return err
	}
	if o.UserID == caller {
		return apperr.New(apperr.CodeMustTransferOwnership, "transfer ownership before leaving")
	}
	m, err := s.members.First(ctx, map[string]any{"org_id": orgID, "user_id": caller})
	if err != nil {
		return err
	}
	if m == nil {
		return apperr.NotOrgMember()
	}
	return s.members.Delete(ctx, m.ID)
}

// TransferOwnership hands the organization to an existing admin member.
// Owner-only. The prior owner stays on as a regular member; the new owner's
// membership row is retired since ownership lives on the organization.
func (s *Service) TransferOwnership(ctx context.Context, orgID, newOwnerID uuid.UUID) error {
	caller, _, _, err := s.require(ctx, orgID, RoleOwner)
	if err != nil {
		return err
	}
	if newOwnerID == caller {
		return apperr.ValidationFailed("cannot transfer ownership to yourself")
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		target, err := s.members.First(ctx, map[string]any{"org_id": orgID, "user_id": newOwnerID})
		if err != nil {
			return err
		}
		if target == nil || !target.IsAdmin {
			return apperr.New(apperr.CodeTargetMustBeAdmin, "new owner must be an admin member")
		}
		if err := s.orgs.Patch(ctx, orgID, map[string]any{
			"user_id": newOwnerID, "updated_at": s.now(),
		}); err != nil {
			return err
		}
		if err := s.members.Delete(ctx, target.ID); err != nil {
			return err
		}
		prior := &Member{OrgID: orgID, UserID: caller, IsAdmin: false}
		prior.ID = uuid.New()
		prior.CreatedAt = s.now()
		return s.members.Insert(ctx, prior)
	})
	if err != nil {
		return err
	}
	s.logger.Info("ownership transferred",
		zap.String("org_id", orgID.String()),
		zap.String("from", caller.String()),
		zap.String("to", newOwnerID.String()),
	)
	return nil
}

// Remove deletes the organization and everything scoped to it: memberships,
// invites, join requests, and every registered cascade table. Owner-only.
func (s *Service) Remove(ctx context.Context, orgID uuid.UUID) error {
	_, o, _, err := s.require(ctx, orgID, RoleOwner)
	if err != nil {
		return err
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		scope := map[string]any{"org_id": orgID}
		if _, err := store.DeleteAll(ctx, s.members, scope, store.CascadeBatch); err != nil {
			return err
		}
		if _, err := store.DeleteAll(ctx, s.invites, scope, store.CascadeBatch); err != nil {
			return err
		}
		if _, err := store.DeleteAll(ctx, s.requests, scope, store.CascadeBatch); err != nil {
			return err
		}
		for _, cascade := range s.opts.Cascade {
			if err := cascade(ctx, orgID); err != nil {
				return err
			}
		}
		return s.orgs.Delete(ctx, orgID)
	})
	if err != nil {
		return err
	}
	if s.opts.Files != nil {
		s.opts.Files.CleanupDoc(ctx, o)
	}
	s.logger.Info("organization removed", zap.String("org_id", orgID.String()))
	return nil
}

// Members lists an organization's membership rows, newest first. Requires
// membership.
func (s *Service) Members(ctx context.Context, orgID uuid.UUID, cursor string, limit int) (*pagination.Page[*Member], error) {
	if _, _, _, err := s.require(ctx, orgID, RoleMember); err != nil {
		return nil, err
	}
	return listScoped(ctx, s.members, orgID, nil, cursor, limit)
}

// Invites lists an organization's pending invites. Requires admin.
func (s *Service) Invites(ctx context.Context, orgID uuid.UUID, cursor string, limit int) (*pagination.Page[*Invite], error) {
	if _, _, _, err := s.require(ctx, orgID, RoleAdmin); err != nil {
		return nil, err
	}
	return listScoped(ctx, s.invites, orgID, nil, cursor, limit)
}

// JoinRequests lists an organization's pending join requests. Requires admin.
func (s *Service) JoinRequests(ctx context.Context, orgID uuid.UUID, cursor string, limit int) (*pagination.Page[*JoinRequest], error) {
	if _, _, _, err := s.require(ctx, orgID, RoleAdmin); err != nil {
		return nil, err
	}
	return listScoped(ctx, s.requests, orgID, map[string]any{"status": JoinRequestPending}, cursor, limit)
}

// Get fetches one organization. Requires membership.
func (s *Service) Get(ctx context.Context, orgID uuid.UUID) (*Organization, error) {
	_, o, _, err := s.require(ctx, orgID, RoleMember)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// BySlug fetches one organization by slug. Requires membership.
func (s *Service) BySlug(ctx context.Context, slug string) (*Organization, error) {
	o, err := s.orgs.First(ctx, map[string]any{"slug": slug})
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, apperr.NotFound("organization")
	}
	return s.Get(ctx, o.ID)
}

func listScoped[T any, P store.Ptr[T]](
	ctx context.Context,
	docs store.Store[T, P],
	orgID uuid.UUID,
	extra map[string]any,
	cursor string,
	limit int,
) (*pagination.Page[P], error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, apperr.ValidationFailed("malformed cursor")
	}
	limit = pagination.ClampLimit(limit)
	eq := map[string]any{"org_id": orgID}
	for k, v := range extra {
		eq[k] = v
	}
	items, err := docs.List(ctx, store.ListQuery{Eq: eq, After: after, Limit: limit + 1})
	if err != nil {
		return nil, err
	}
	return pagination.PageOf(items, limit), nil
}
