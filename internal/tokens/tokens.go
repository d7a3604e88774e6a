// Package tokens issues and parses the application's own session tokens:
// HS256 JWTs that reference a server-side session by id.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/config"
	"github.com/jonboulle/clockwork"
)

// SessionClaims carries the session id; the subject is the internal user id.
type SessionClaims struct {
	SessionID string `json:"sid"`
	Provider  string `json:"prv,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

type Option func(*Issuer)

func WithClock(c clockwork.Clock) Option { return func(i *Issuer) { i.clock = c } }

func New(cfg config.SessionConfig, opts ...Option) *Issuer {
	i := &Issuer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue signs a session token valid until expiresAt.
func (i *Issuer) Issue(sessionID, userID, provider string, expiresAt time.Time) (string, error) {
	now := i.clock.Now()
	claims := SessionClaims{
		SessionID: sessionID,
		Provider:  provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies signature, issuer and expiry.
func (i *Issuer) Parse(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, i.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, autherr.Wrap(autherr.ErrSessionExpired, err)
	default:
		return nil, autherr.Wrap(autherr.ErrInvalidToken, err)
	}
	if claims.SessionID == "" || claims.Subject == "" {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "session token lacks sid or sub")
	}
	return claims, nil
}

// SessionID checks only the signature and returns the session id, so expired
// tokens can still be revoked.
func (i *Issuer) SessionID(raw string) (string, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, i.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", autherr.Wrap(autherr.ErrInvalidToken, err)
	}
	if claims.SessionID == "" {
		return "", autherr.Newf(autherr.ErrInvalidToken, "session token lacks sid")
	}
	return claims.SessionID, nil
}

// Owns reports, without verifying, whether raw looks like one of our session
// tokens rather than a provider token.
func (i *Issuer) Owns(raw string) bool {
	claims := &SessionClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return false
	}
	return tok.Method.Alg() == jwt.SigningMethodHS256.Alg() && claims.Issuer == i.issuer && claims.SessionID != ""
}

func (i *Issuer) key(*jwt.Token) (interface{}, error) { return i.secret, nil }
