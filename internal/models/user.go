package models

import "time"

// Role is the authorization level derived from a user's group membership.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// User is the persisted account mapped from a provider identity.
// ExternalID is the provider subject and is unique per provider.
type User struct {
	ID            string    `bson:"_id" json:"id"`
	ExternalID    string    `bson:"externalId,omitempty" json:"externalId,omitempty"`
	Provider      string    `bson:"provider,omitempty" json:"provider,omitempty"`
	Email         string    `bson:"email,omitempty" json:"email"`
	EmailVerified bool      `bson:"emailVerified" json:"emailVerified"`
	Username      string    `bson:"username" json:"username"`
	FullName      string    `bson:"fullName" json:"fullName"`
	Role          Role      `bson:"role" json:"role"`
	Active        bool      `bson:"active" json:"active"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updatedAt"`
	LastLogin     time.Time `bson:"lastLogin,omitempty" json:"lastLogin,omitempty"`
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// IsModerator is true for moderators and admins.
func (u *User) IsModerator() bool { return u.Role == RoleModerator || u.Role == RoleAdmin }

// HasRole reports whether the user's role is at least r.
func (u *User) HasRole(r Role) bool {
	return rank(u.Role) >= rank(r)
}

func rank(r Role) int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleModerator:
		return 1
	}
	return 0
}
