package org

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRole_Level(t *testing.T) {
	tests := []struct {
		role     Role
		expected int
	}{
		{RoleOwner, 3},
		{RoleAdmin, 2},
		{RoleMember, 1},
		{Role("invalid"), 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.role.Level())
		})
	}
}

func TestRole_IsAtLeast(t *testing.T) {
	tests := []struct {
		role     Role
		min      Role
		expected bool
	}{
		{RoleOwner, RoleOwner, true},
		{RoleOwner, RoleAdmin, true},
		{RoleOwner, RoleMember, true},
		{RoleAdmin, RoleOwner, false},
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleMember, true},
		{RoleMember, RoleAdmin, false},
		{RoleMember, RoleMember, true},
		{Role("invalid"), RoleMember, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"_"+string(tt.min), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.role.IsAtLeast(tt.min))
		})
	}
}

func TestValidSlug(t *testing.T) {
	tests := []struct {
		slug     string
		expected bool
	}{
		{"acme", true},
		{"acme-corp", true},
		{"a1-b2-c3", true},
		{"", false},
		{"Acme", false},
		{"-acme", false},
		{"acme-", false},
		{"acme--corp", false},
		{"acme corp", false},
		{"acme_corp", false},
	}

	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			assert.Equal(t, tt.expected, ValidSlug(tt.slug))
		})
	}
}
