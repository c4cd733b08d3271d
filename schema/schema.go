// Package schema declares the branded document shapes the generators operate
// on. Each shape is an embeddable struct plus an interface; a table model
// embeds the shape matching its ownership model and the generators derive all
// access checks from it statically.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// FileID references a blob held by the storage service. Fields of this type
// participate in attachment lifecycle management: replaced or cleared blobs
// are deleted, reads can hydrate signed URLs.
type FileID string

// Doc is the minimal persisted document: server-assigned identity and
// creation timestamp.
type Doc interface {
	GetID() uuid.UUID
	SetID(uuid.UUID)
	GetCreatedAt() time.Time
	SetCreatedAt(time.Time)
}

// Stamped documents record their last write time, which doubles as the
// optimistic-concurrency token.
type Stamped interface {
	StampedAt() time.Time
	Stamp(time.Time)
}

// OwnedDoc is a document owned by a single user.
type OwnedDoc interface {
	Doc
	Stamped
	OwnerID() uuid.UUID
	SetOwner(uuid.UUID)
}

// OrgDoc is a document scoped to an organization, optionally carrying a
// per-document editor ACL and a soft-delete marker.
type OrgDoc interface {
	OwnedDoc
	Org() uuid.UUID
	SetOrg(uuid.UUID)
	EditorIDs() []uuid.UUID
	SetEditorIDs([]uuid.UUID)
	DeletedStamp() *time.Time
	SetDeletedStamp(*time.Time)
}

// ChildDoc is a document owned transitively through a parent document.
type ChildDoc interface {
	Doc
	Stamped
	Parent() uuid.UUID
	SetParent(uuid.UUID)
}

// CachedDoc is a row of a read-through cache, keyed by a caller-supplied
// natural key. Freshness is updatedAt + ttl > now; stale rows are never
// evicted eagerly.
type CachedDoc interface {
	Doc
	Stamped
	Key() string
	SetKey(string)
}

// Publishable marks documents (or parents) with a public-read flag.
type Publishable interface {
	IsPublic() bool
}

// FileCarrier is implemented by documents with FileID fields. FileIDs returns
// the current blob references; empty ids are ignored.
type FileCarrier interface {
	FileIDs() []FileID
}

// Base is embedded by every document shape.
type Base struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}

func (b *Base) GetID() uuid.UUID         { return b.ID }
func (b *Base) SetID(id uuid.UUID)       { b.ID = id }
func (b *Base) GetCreatedAt() time.Time  { return b.CreatedAt }
func (b *Base) SetCreatedAt(t time.Time) { b.CreatedAt = t }

// Owned is the owned-by-user shape.
type Owned struct {
	Base
	UserID    uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (o *Owned) OwnerID() uuid.UUID    { return o.UserID }
func (o *Owned) SetOwner(id uuid.UUID) { o.UserID = id }
func (o *Owned) StampedAt() time.Time  { return o.UpdatedAt }
func (o *Owned) Stamp(t time.Time)     { o.UpdatedAt = t }

// OrgScoped is the organization-scoped shape. Editors is the optional
// explicit ACL; DeletedAt the optional soft-delete marker. Generators that
// have neither ACL nor soft delete enabled simply never touch them.
type OrgScoped struct {
	Owned
	OrgID     uuid.UUID  `json:"org_id" gorm:"type:uuid;not null;index"`
	Editors   UUIDList   `json:"editors,omitempty" gorm:"serializer:json"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" gorm:"index"`
}

func (o *OrgScoped) Org() uuid.UUID               { return o.OrgID }
func (o *OrgScoped) SetOrg(id uuid.UUID)          { o.OrgID = id }
func (o *OrgScoped) EditorIDs() []uuid.UUID       { return o.Editors }
func (o *OrgScoped) SetEditorIDs(ids []uuid.UUID) { o.Editors = ids }
func (o *OrgScoped) DeletedStamp() *time.Time     { return o.DeletedAt }
func (o *OrgScoped) SetDeletedStamp(t *time.Time) { o.DeletedAt = t }

// ChildOf is the child-of-parent shape. The child carries no ownership of its
// own; every access re-checks the parent.
type ChildOf struct {
	Base
	ParentID  uuid.UUID `json:"parent_id" gorm:"type:uuid;not null;index"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (c *ChildOf) Parent() uuid.UUID      { return c.ParentID }
func (c *ChildOf) SetParent(id uuid.UUID) { c.ParentID = id }
func (c *ChildOf) StampedAt() time.Time   { return c.UpdatedAt }
func (c *ChildOf) Stamp(t time.Time)      { c.UpdatedAt = t }

// CacheEntry is the cached-external-entity shape. At most one row exists per
// key (upsert semantics).
type CacheEntry struct {
	Base
	CacheKey  string    `json:"key" gorm:"uniqueIndex;not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (c *CacheEntry) Key() string          { return c.CacheKey }
func (c *CacheEntry) SetKey(k string)      { c.CacheKey = k }
func (c *CacheEntry) StampedAt() time.Time { return c.UpdatedAt }
func (c *CacheEntry) Stamp(t time.Time)    { c.UpdatedAt = t }

// Fresh reports whether the entry is within its validity window.
func (c *CacheEntry) Fresh(ttl time.Duration, now time.Time) bool {
	return c.UpdatedAt.Add(ttl).After(now)
}

// UUIDList is a JSON-serialized list of user ids (the editors ACL).
type UUIDList []uuid.UUID

// Contains reports whether the list holds id.
func (l UUIDList) Contains(id uuid.UUID) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}
