package sessions

import "time"

// Session is the server-side record a session token points at. Its expiry is
// local policy and independent of any provider token lifetime.
type Session struct {
	ID       string `bson:"_id" json:"id"`
	UserID   string `bson:"userId" json:"userId"`
	Provider string `bson:"provider" json:"provider"`
	// IDToken is kept only as the id_token_hint for provider logout.
	IDToken   string    `bson:"idToken,omitempty" json:"idToken,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	ExpiresAt time.Time `bson:"expiresAt" json:"expiresAt"`
}

func (s *Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }
