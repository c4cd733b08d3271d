package org

import (
	"context"

	"github.com/google/uuid"
)

// Role is a membership grade. Owner outranks admin outranks member.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

var roleLevels = map[Role]int{
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// Level returns the role's rank; unknown roles rank below member.
func (r Role) Level() int {
	return roleLevels[r]
}

// IsAtLeast reports whether r meets the minimum role.
func (r Role) IsAtLeast(min Role) bool {
	return r.Level() >= min.Level()
}

// RoleResolver resolves a user's role in an organization. ok is false when
// the user holds no role (or the organization does not exist).
type RoleResolver interface {
	Resolve(ctx context.Context, orgID, userID uuid.UUID) (role Role, ok bool, err error)
}
