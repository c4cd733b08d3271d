package org

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/store"
)

type fixture struct {
	svc      *Service
	orgs     *store.Memory[Organization, *Organization]
	members  *store.Memory[Member, *Member]
	invites  *store.Memory[Invite, *Invite]
	requests *store.Memory[JoinRequest, *JoinRequest]
}

func newFixture() *fixture {
	f := &fixture{
		orgs:     store.NewMemory[Organization, *Organization](),
		members:  store.NewMemory[Member, *Member](),
		invites:  store.NewMemory[Invite, *Invite](),
		requests: store.NewMemory[JoinRequest, *JoinRequest](),
	}
	f.svc = NewService(f.orgs, f.members, f.invites, f.requests, store.NewMemoryBackend(), Options{})
	return f
}

func userCtx(id uuid.UUID) context.Context {
	return requestctx.WithUser(context.Background(), id)
}

func (f *fixture) addMember(t *testing.T, orgID, userID uuid.UUID, isAdmin bool) *Member {
	t.Helper()
	m := &Member{OrgID: orgID, UserID: userID, IsAdmin: isAdmin}
	m.ID = uuid.New()
	m.CreatedAt = time.Now()
	require.NoError(t, f.members.Insert(context.Background(), m))
	return m
}

func TestService_Create(t *testing.T) {
	f := newFixture()
	owner := uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", o.Slug)
	assert.Equal(t, owner, o.UserID)

	// The owner holds no membership row.
	count, err := f.members.Count(context.Background(), map[string]any{"org_id": o.ID})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestService_Create_SlugTaken(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(userCtx(uuid.New()), "Acme", "acme")
	require.NoError(t, err)

	_, err = f.svc.Create(userCtx(uuid.New()), "Other Acme", "acme")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOrgSlugTaken, apperr.CodeOf(err))
}

func TestService_Create_Validation(t *testing.T) {
	f := newFixture()
	ctx := userCtx(uuid.New())

	_, err := f.svc.Create(ctx, "", "acme")
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))

	_, err = f.svc.Create(ctx, "Acme", "Not A Slug")
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))

	_, err = f.svc.Create(context.Background(), "Acme", "acme")
	assert.Equal(t, apperr.CodeNotAuthenticated, apperr.CodeOf(err))
}

func TestService_Update_Slug(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	ctx := userCtx(owner)

	o, err := f.svc.Create(ctx, "Acme", "acme")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, "Beta", "beta")
	require.NoError(t, err)

	// Re-assigning the current slug is a no-op, not a collision.
	same := "acme"
	updated, err := f.svc.Update(ctx, o.ID, nil, &same)
	require.NoError(t, err)
	assert.Equal(t, "acme", updated.Slug)

	// A foreign slug collides.
	taken := "beta"
	_, err = f.svc.Update(ctx, o.ID, nil, &taken)
	assert.Equal(t, apperr.CodeOrgSlugTaken, apperr.CodeOf(err))

	// A free slug moves.
	free := "acme-inc"
	updated, err = f.svc.Update(ctx, o.ID, nil, &free)
	require.NoError(t, err)
	assert.Equal(t, "acme-inc", updated.Slug)
}

func TestService_Update_RequiresAdmin(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)

	name := "Acme Inc"
	_, err = f.svc.Update(userCtx(member), o.ID, &name, nil)
	assert.Equal(t, apperr.CodeInsufficientOrgRole, apperr.CodeOf(err))

	_, err = f.svc.Update(userCtx(uuid.New()), o.ID, &name, nil)
	assert.Equal(t, apperr.CodeNotOrgMember, apperr.CodeOf(err))
}

func TestService_IsSlugAvailable(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(userCtx(uuid.New()), "Acme", "acme")
	require.NoError(t, err)

	free, err := f.svc.IsSlugAvailable(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, free)

	free, err = f.svc.IsSlugAvailable(context.Background(), "beta")
	require.NoError(t, err)
	assert.True(t, free)

	free, err = f.svc.IsSlugAvailable(context.Background(), "Not A Slug")
	require.NoError(t, err)
	assert.False(t, free)
}

func TestService_InviteAcceptTransfer(t *testing.T) {
	f := newFixture()
	owner, invitee := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)

	inv, err := f.svc.Invite(userCtx(owner), o.ID, "admin@x.com", true)
	require.NoError(t, err)
	assert.Len(t, inv.Token, InviteTokenLength)

	m, err := f.svc.AcceptInvite(userCtx(invitee), inv.Token)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin)
	assert.Equal(t, invitee, m.UserID)

	require.NoError(t, f.svc.TransferOwnership(userCtx(owner), o.ID, invitee))

	got, err := f.orgs.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, invitee, got.UserID)

	// The prior owner stays on as a regular member.
	prior, err := f.members.First(context.Background(), map[string]any{
		"org_id": o.ID, "user_id": owner,
	})
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.False(t, prior.IsAdmin)

	// The new owner's membership row is retired.
	row, err := f.members.First(context.Background(), map[string]any{
		"org_id": o.ID, "user_id": invitee,
	})
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestService_AcceptInvite_SingleUse(t *testing.T) {
	f := newFixture()
	owner := uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	inv, err := f.svc.Invite(userCtx(owner), o.ID, "a@x.com", false)
	require.NoError(t, err)

	_, err = f.svc.AcceptInvite(userCtx(uuid.New()), inv.Token)
	require.NoError(t, err)

	// The invite row is gone; a second accept fails.
	_, err = f.svc.AcceptInvite(userCtx(uuid.New()), inv.Token)
	assert.Equal(t, apperr.CodeInvalidInvite, apperr.CodeOf(err))
}

func TestService_AcceptInvite_Expired(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	base := time.Now()
	f.svc.SetClock(func() time.Time { return base })

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	inv, err := f.svc.Invite(userCtx(owner), o.ID, "a@x.com", false)
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return base.Add(DefaultInviteTTL + time.Second) })

	_, err = f.svc.AcceptInvite(userCtx(uuid.New()), inv.Token)
	assert.Equal(t, apperr.CodeInviteExpired, apperr.CodeOf(err))
}

func TestService_AcceptInvite_AlreadyMember(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)
	inv, err := f.svc.Invite(userCtx(owner), o.ID, "a@x.com", false)
	require.NoError(t, err)

	_, err = f.svc.AcceptInvite(userCtx(member), inv.Token)
	assert.Equal(t, apperr.CodeAlreadyOrgMember, apperr.CodeOf(err))

	// The owner is a member too, membership row or not.
	_, err = f.svc.AcceptInvite(userCtx(owner), inv.Token)
	assert.Equal(t, apperr.CodeAlreadyOrgMember, apperr.CodeOf(err))
}

func TestService_Invite_RequiresAdmin(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)

	_, err = f.svc.Invite(userCtx(member), o.ID, "a@x.com", false)
	assert.Equal(t, apperr.CodeInsufficientOrgRole, apperr.CodeOf(err))
}

func TestService_RequestJoin_Idempotence(t *testing.T) {
	f := newFixture()
	owner, joiner := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)

	req, err := f.svc.RequestJoin(userCtx(joiner), o.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, JoinRequestPending, req.Status)

	_, err = f.svc.RequestJoin(userCtx(joiner), o.ID, "hi again")
	assert.Equal(t, apperr.CodeJoinRequestExists, apperr.CodeOf(err))

	// After rejection a fresh request is allowed.
	require.NoError(t, f.svc.RejectJoinRequest(userCtx(owner), req.ID))
	_, err = f.svc.RequestJoin(userCtx(joiner), o.ID, "once more")
	require.NoError(t, err)
}

func TestService_RequestJoin_AlreadyMember(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)

	_, err = f.svc.RequestJoin(userCtx(member), o.ID, "")
	assert.Equal(t, apperr.CodeAlreadyOrgMember, apperr.CodeOf(err))
}

func TestService_ApproveJoinRequest(t *testing.T) {
	f := newFixture()
	owner, joiner := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	req, err := f.svc.RequestJoin(userCtx(joiner), o.ID, "")
	require.NoError(t, err)

	m, err := f.svc.ApproveJoinRequest(userCtx(owner), req.ID, true)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin)
	assert.Equal(t, joiner, m.UserID)

	// Terminal: no re-approval.
	_, err = f.svc.ApproveJoinRequest(userCtx(owner), req.ID, false)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestService_CancelJoinRequest(t *testing.T) {
	f := newFixture()
	owner, joiner := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	req, err := f.svc.RequestJoin(userCtx(joiner), o.ID, "")
	require.NoError(t, err)

	// Only the requester may cancel.
	err = f.svc.CancelJoinRequest(userCtx(uuid.New()), req.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	require.NoError(t, f.svc.CancelJoinRequest(userCtx(joiner), req.ID))

	// Approved requests cannot be cancelled.
	req2, err := f.svc.RequestJoin(userCtx(joiner), o.ID, "")
	require.NoError(t, err)
	_, err = f.svc.ApproveJoinRequest(userCtx(owner), req2.ID, false)
	require.NoError(t, err)
	err = f.svc.CancelJoinRequest(userCtx(joiner), req2.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestService_SetAdmin_OwnerOnly(t *testing.T) {
	f := newFixture()
	owner, admin, member := uuid.New(), uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, admin, true)
	m := f.addMember(t, o.ID, member, false)

	_, err = f.svc.SetAdmin(userCtx(admin), m.ID, true)
	assert.Equal(t, apperr.CodeInsufficientOrgRole, apperr.CodeOf(err))

	promoted, err := f.svc.SetAdmin(userCtx(owner), m.ID, true)
	require.NoError(t, err)
	assert.True(t, promoted.IsAdmin)
}

func TestService_RemoveMember(t *testing.T) {
	f := newFixture()
	owner, adminA, adminB, member := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	a := f.addMember(t, o.ID, adminA, true)
	b := f.addMember(t, o.ID, adminB, true)
	m := f.addMember(t, o.ID, member, false)

	// Admins cannot remove each other.
	err = f.svc.RemoveMember(userCtx(adminA), b.ID)
	assert.Equal(t, apperr.CodeCannotModifyAdmin, apperr.CodeOf(err))

	// Any admin may remove a plain member.
	require.NoError(t, f.svc.RemoveMember(userCtx(adminA), m.ID))

	// The owner may remove an admin.
	require.NoError(t, f.svc.RemoveMember(userCtx(owner), a.ID))

	// A stray membership row for the owner is still untouchable.
	ownerRow := f.addMember(t, o.ID, owner, false)
	err = f.svc.RemoveMember(userCtx(adminB), ownerRow.ID)
	assert.Equal(t, apperr.CodeCannotModifyOwner, apperr.CodeOf(err))
}

func TestService_Leave(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)

	err = f.svc.Leave(userCtx(owner), o.ID)
	assert.Equal(t, apperr.CodeMustTransferOwnership, apperr.CodeOf(err))

	require.NoError(t, f.svc.Leave(userCtx(member), o.ID))

	err = f.svc.Leave(userCtx(member), o.ID)
	assert.Equal(t, apperr.CodeNotOrgMember, apperr.CodeOf(err))
}

func TestService_TransferOwnership_TargetMustBeAdmin(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)

	err = f.svc.TransferOwnership(userCtx(owner), o.ID, member)
	assert.Equal(t, apperr.CodeTargetMustBeAdmin, apperr.CodeOf(err))

	err = f.svc.TransferOwnership(userCtx(owner), o.ID, uuid.New())
	assert.Equal(t, apperr.CodeTargetMustBeAdmin, apperr.CodeOf(err))

	err = f.svc.TransferOwnership(userCtx(member), o.ID, member)
	assert.Equal(t, apperr.CodeInsufficientOrgRole, apperr.CodeOf(err))
}

type project struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID     uuid.UUID `gorm:"type:uuid"`
	CreatedAt time.Time
}

func (p *project) GetID() uuid.UUID         { return p.ID }
func (p *project) SetID(id uuid.UUID)       { p.ID = id }
func (p *project) GetCreatedAt() time.Time  { return p.CreatedAt }
func (p *project) SetCreatedAt(t time.Time) { p.CreatedAt = t }

func TestService_Remove_CascadeCompleteness(t *testing.T) {
	f := newFixture()
	owner, member, joiner := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	projects := store.NewMemory[project, *project]()
	f.svc.RegisterCascade(func(ctx context.Context, orgID uuid.UUID) error {
		_, err := store.DeleteAll(ctx, projects, map[string]any{"org_id": orgID}, store.CascadeBatch)
		return err
	})

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)
	_, err = f.svc.Invite(userCtx(owner), o.ID, "a@x.com", false)
	require.NoError(t, err)
	_, err = f.svc.RequestJoin(userCtx(joiner), o.ID, "")
	require.NoError(t, err)

	// More projects than one cascade batch.
	for i := 0; i < store.CascadeBatch+20; i++ {
		p := &project{OrgID: o.ID, ID: uuid.New(), CreatedAt: time.Now()}
		require.NoError(t, projects.Insert(ctx, p))
	}

	// Only the owner may remove.
	err = f.svc.Remove(userCtx(member), o.ID)
	assert.Equal(t, apperr.CodeInsufficientOrgRole, apperr.CodeOf(err))

	require.NoError(t, f.svc.Remove(userCtx(owner), o.ID))

	scope := map[string]any{"org_id": o.ID}
	for name, s := range map[string]interface {
		Count(context.Context, map[string]any) (int64, error)
	}{
		"members":  f.members,
		"invites":  f.invites,
		"requests": f.requests,
		"projects": projects,
	} {
		count, err := s.Count(ctx, scope)
		require.NoError(t, err, name)
		assert.Zero(t, count, name)
	}

	gone, err := f.orgs.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestService_Listings(t *testing.T) {
	f := newFixture()
	owner, member := uuid.New(), uuid.New()

	o, err := f.svc.Create(userCtx(owner), "Acme", "acme")
	require.NoError(t, err)
	f.addMember(t, o.ID, member, false)
	_, err = f.svc.Invite(userCtx(owner), o.ID, "a@x.com", false)
	require.NoError(t, err)
	_, err = f.svc.RequestJoin(userCtx(uuid.New()), o.ID, "")
	require.NoError(t, err)

	members, err := f.svc.Members(userCtx(member), o.ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, members.Items, 1)
	assert.True(t, members.IsDone)

	// Invite and join-request listings are admin-only.
	_, err = f.svc.Invites(userCtx(member), o.ID, "", 10)
	assert.Equal(t, apperr.CodeInsufficientOrgRole, apperr.CodeOf(err))

	invites, err := f.svc.Invites(userCtx(owner), o.ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, invites.Items, 1)

	requests, err := f.svc.JoinRequests(userCtx(owner), o.ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, requests.Items, 1)
}
