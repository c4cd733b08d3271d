// Package org implements the organization membership engine: slug-unique
// organizations, role-graded membership, token invites, join requests,
// ownership transfer, and cascading organization deletion.
package org

import (
	"time"

	"github.com/google/uuid"

	"github.com/lazyapps/lazycrud/schema"
)

// Organization is the aggregate root. UserID is the current owner; the owner
// holds no membership row.
type Organization struct {
	schema.Owned
	Name     string        `json:"name" gorm:"not null"`
	Slug     string        `json:"slug" gorm:"uniqueIndex;not null"`
	AvatarID schema.FileID `json:"avatar_id,omitempty" gorm:"column:avatar_id"`
}

// TableName sets the organizations table name.
func (Organization) TableName() string {
	return "organizations"
}

// FileIDs returns the organization's blob references.
func (o *Organization) FileIDs() []schema.FileID {
	return []schema.FileID{o.AvatarID}
}

// Member is one (org, user) membership. The owner is resolved from the
// organization row, never from here.
type Member struct {
	schema.Base
	OrgID   uuid.UUID `json:"org_id" gorm:"type:uuid;not null;uniqueIndex:idx_org_members_org_user"`
	UserID  uuid.UUID `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_org_members_org_user"`
	IsAdmin bool      `json:"is_admin" gorm:"not null;default:false"`
}

// TableName sets the members table name.
func (Member) TableName() string {
	return "org_members"
}

// Invite is a pending email invitation. Token is opaque and single-use: a
// successful accept converts the invite into a membership and deletes it.
type Invite struct {
	schema.Base
	OrgID     uuid.UUID `json:"org_id" gorm:"type:uuid;not null;index"`
	Email     string    `json:"email" gorm:"not null"`
	IsAdmin   bool      `json:"is_admin" gorm:"not null;default:false"`
	Token     string    `json:"-" gorm:"uniqueIndex;not null"`
	InvitedBy uuid.UUID `json:"invited_by" gorm:"type:uuid;not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null"`
}

// TableName sets the invites table name.
func (Invite) TableName() string {
	return "org_invites"
}

// Expired reports whether the invite is past its expiry.
func (i *Invite) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Join request states. Approval and rejection are terminal.
const (
	JoinRequestPending  = "pending"
	JoinRequestApproved = "approved"
	JoinRequestRejected = "rejected"
)

// JoinRequest is a user-initiated membership request. At most one pending
// request exists per (org, user).
type JoinRequest struct {
	schema.Base
	OrgID   uuid.UUID `json:"org_id" gorm:"type:uuid;not null;index"`
	UserID  uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	Status  string    `json:"status" gorm:"not null;default:pending"`
	Message string    `json:"message,omitempty"`
}

// TableName sets the join requests table name.
func (JoinRequest) TableName() string {
	return "org_join_requests"
}
