package models

import "strings"

// RoleTable maps a normalized (lower-cased, trimmed) group name to a role.
type RoleTable map[string]Role

// DefaultRoleTable holds the group names used by both identity providers.
func DefaultRoleTable() RoleTable {
	return NewRoleTable(
		[]string{"storied-life-admins", "administrators", "admins", "authentik Admins"},
		[]string{"storied-life-moderators", "moderators"},
	)
}

// NewRoleTable builds a table from admin and moderator group lists.
// A group listed in both is treated as admin.
func NewRoleTable(adminGroups, moderatorGroups []string) RoleTable {
	t := RoleTable{}
	for _, g := range moderatorGroups {
		if k := groupKey(g); k != "" {
			t[k] = RoleModerator
		}
	}
	for _, g := range adminGroups {
		if k := groupKey(g); k != "" {
			t[k] = RoleAdmin
		}
	}
	return t
}

// Resolve returns the highest role granted by any of groups.
// It depends only on its inputs, so every sync recomputes it from scratch.
func (t RoleTable) Resolve(groups []string) Role {
	best := RoleUser
	for _, g := range groups {
		r, ok := t[groupKey(g)]
		if ok && rank(r) > rank(best) {
			best = r
		}
	}
	return best
}

func groupKey(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}
