package childcrud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyapps/lazycrud/apperr"
	"github.com/lazyapps/lazycrud/crud"
	"github.com/lazyapps/lazycrud/requestctx"
	"github.com/lazyapps/lazycrud/schema"
	"github.com/lazyapps/lazycrud/store"
)

type chat struct {
	schema.Owned
	Topic  string
	Public bool `gorm:"column:is_public"`
}

func (chat) TableName() string { return "chats" }

func (c *chat) IsPublic() bool { return c.Public }

type message struct {
	schema.ChildOf
	Body string
}

func (message) TableName() string { return "messages" }

func userCtx(id uuid.UUID) context.Context {
	return requestctx.WithUser(context.Background(), id)
}

type fixture struct {
	res    *Resource[message, *message, chat, *chat]
	chats  *store.Memory[chat, *chat]
	msgs   *store.Memory[message, *message]
	owner  uuid.UUID
	ownCtx context.Context
	chatID uuid.UUID
	pubID  uuid.UUID
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		chats: store.NewMemory[chat, *chat](),
		msgs:  store.NewMemory[message, *message](),
		owner: uuid.New(),
	}
	f.ownCtx = userCtx(f.owner)
	f.res = New(f.msgs, f.chats, store.NewMemoryBackend(), opts)

	private := &chat{Topic: "private"}
	private.ID = uuid.New()
	private.CreatedAt = time.Now()
	private.UserID = f.owner
	require.NoError(t, f.chats.Insert(context.Background(), private))
	f.chatID = private.ID

	public := &chat{Topic: "public", Public: true}
	public.ID = uuid.New()
	public.CreatedAt = time.Now()
	public.UserID = f.owner
	require.NoError(t, f.chats.Insert(context.Background(), public))
	f.pubID = public.ID
	return f
}

func TestResource_Create_ParentGate(t *testing.T) {
	f := newFixture(t, Options{})

	msg, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, f.chatID, msg.ParentID)
	assert.NotEqual(t, uuid.Nil, msg.ID)

	// A foreign parent is indistinguishable from a missing one.
	_, err = f.res.Create(userCtx(uuid.New()), f.chatID, &message{Body: "intruder"})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = f.res.Create(f.ownCtx, uuid.New(), &message{Body: "orphan"})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = f.res.Create(context.Background(), f.chatID, &message{Body: "anon"})
	assert.Equal(t, apperr.CodeNotAuthenticated, apperr.CodeOf(err))
}

func TestResource_Read_ThroughParent(t *testing.T) {
	f := newFixture(t, Options{})

	msg, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: "hello"})
	require.NoError(t, err)

	got, err := f.res.Read(f.ownCtx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)

	_, err = f.res.Read(userCtx(uuid.New()), msg.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestResource_PublicParent(t *testing.T) {
	f := newFixture(t, Options{PublicParent: true})

	inPublic, err := f.res.Create(f.ownCtx, f.pubID, &message{Body: "visible"})
	require.NoError(t, err)
	inPrivate, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: "hidden"})
	require.NoError(t, err)

	// Anyone, even unauthenticated, reads through a public parent.
	got, err := f.res.Read(context.Background(), inPublic.ID)
	require.NoError(t, err)
	assert.Equal(t, "visible", got.Body)

	page, err := f.res.List(context.Background(), f.pubID, "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	// The private parent still gates.
	_, err = f.res.Read(context.Background(), inPrivate.ID)
	assert.Equal(t, apperr.CodeNotAuthenticated, apperr.CodeOf(err))
	_, err = f.res.Read(userCtx(uuid.New()), inPrivate.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	// Writes stay owner-only regardless of visibility.
	_, err = f.res.Create(userCtx(uuid.New()), f.pubID, &message{Body: "spam"})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestResource_Update(t *testing.T) {
	f := newFixture(t, Options{})

	msg, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: "v1"})
	require.NoError(t, err)

	updated, err := f.res.Update(f.ownCtx, msg.ID, crud.Patch{"body": "v2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Body)

	// The parent-id column is protected from patches.
	hijacked, err := f.res.Update(f.ownCtx, msg.ID, crud.Patch{"parent_id": uuid.New()}, nil)
	require.NoError(t, err)
	assert.Equal(t, f.chatID, hijacked.ParentID)

	stale := msg.UpdatedAt.Add(-time.Second)
	_, err = f.res.Update(f.ownCtx, msg.ID, crud.Patch{"body": "v3"}, &stale)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))

	_, err = f.res.Update(userCtx(uuid.New()), msg.ID, crud.Patch{"body": "stolen"}, nil)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestResource_Rm(t *testing.T) {
	f := newFixture(t, Options{})

	msg, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: "gone soon"})
	require.NoError(t, err)

	err = f.res.Rm(userCtx(uuid.New()), msg.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	require.NoError(t, f.res.Rm(f.ownCtx, msg.ID))
	_, err = f.res.Read(f.ownCtx, msg.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestResource_BulkRm_PartialScope(t *testing.T) {
	f := newFixture(t, Options{})
	stranger := uuid.New()

	theirChat := &chat{Topic: "theirs"}
	theirChat.ID = uuid.New()
	theirChat.CreatedAt = time.Now()
	theirChat.UserID = stranger
	require.NoError(t, f.chats.Insert(context.Background(), theirChat))

	mine, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: "mine"})
	require.NoError(t, err)
	theirs, err := f.res.Create(userCtx(stranger), theirChat.ID, &message{Body: "theirs"})
	require.NoError(t, err)

	count, err := f.res.BulkRm(f.ownCtx, []uuid.UUID{mine.ID, theirs.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	still, err := f.res.Read(userCtx(stranger), theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, "theirs", still.Body)
}

func TestResource_ListAndSearch(t *testing.T) {
	f := newFixture(t, Options{SearchColumn: "body"})

	for i := 0; i < 5; i++ {
		m := &message{Body: fmt.Sprintf("note %d", i)}
		m.ID = uuid.New()
		m.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		m.ParentID = f.chatID
		m.UpdatedAt = m.CreatedAt
		require.NoError(t, f.msgs.Insert(context.Background(), m))
	}

	page, err := f.res.List(f.ownCtx, f.chatID, "", 3)
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.False(t, page.IsDone)

	rest, err := f.res.List(f.ownCtx, f.chatID, page.Cursor, 3)
	require.NoError(t, err)
	assert.Len(t, rest.Items, 2)
	assert.True(t, rest.IsDone)

	found, err := f.res.Search(f.ownCtx, f.chatID, "note 3", "", 10)
	require.NoError(t, err)
	assert.Len(t, found.Items, 1)

	_, err = f.res.List(userCtx(uuid.New()), f.chatID, "", 3)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestResource_CascadeByParent(t *testing.T) {
	f := newFixture(t, Options{})

	for i := 0; i < 4; i++ {
		_, err := f.res.Create(f.ownCtx, f.chatID, &message{Body: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	cascade := f.res.CascadeByParent()
	require.NoError(t, cascade(context.Background(), f.chatID))

	count, err := f.msgs.Count(context.Background(), map[string]any{"parent_id": f.chatID})
	require.NoError(t, err)
	assert.Zero(t, count)
}
