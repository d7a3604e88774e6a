// Package sessions establishes, validates and revokes application sessions.
// A credential is either one of our session tokens or a raw provider bearer
// token; both resolve to the same models.User.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/internal/tokens"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/hewjoe/storied-life/pkg/metrics"
	"github.com/jonboulle/clockwork"
)

const DefaultTTL = 8 * time.Hour

// Method names the path a credential was validated through.
type Method string

const (
	MethodSession Method = "session"
	MethodBearer  Method = "bearer"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	User      *models.User
	Method    Method
	SessionID string
	Provider  string
	ExpiresAt time.Time
}

// Issued is a freshly established session and the token referencing it.
type Issued struct {
	Token   string
	Session *Session
}

// UserSource resolves users for both validation paths.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	Sync(ctx context.Context, ic *oidc.IdentityClaims) (*models.User, error)
}

// TokenVerifier verifies provider bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*oidc.IdentityClaims, error)
}

type Manager struct {
	repo     Repository
	issuer   *tokens.Issuer
	users    UserSource
	verifier TokenVerifier
	deny     *Denylist
	ttl      time.Duration
	clock    clockwork.Clock
}

type Option func(*Manager)

func WithTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

func WithDenylist(d *Denylist) Option { return func(m *Manager) { m.deny = d } }

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func NewManager(repo Repository, issuer *tokens.Issuer, users UserSource, verifier TokenVerifier, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		issuer:   issuer,
		users:    users,
		verifier: verifier,
		ttl:      DefaultTTL,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Establish stores a new session for u and signs its token. idToken is kept
// as the provider logout hint and may be empty.
func (m *Manager) Establish(ctx context.Context, u *models.User, kind oidc.Kind, idToken string) (*Issued, error) {
	now := m.clock.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Provider:  string(kind),
		IDToken:   idToken,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	raw, err := m.issuer.Issue(s.ID, u.ID, s.Provider, s.ExpiresAt)
	if err != nil {
		_ = m.repo.Delete(ctx, s.ID)
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	return &Issued{Token: raw, Session: s}, nil
}

// Validate resolves a credential to a Principal. Session tokens are checked
// against the session store; anything else is treated as a provider bearer
// token and goes through verification and user sync.
func (m *Manager) Validate(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, autherr.Newf(autherr.ErrUnauthenticated, "no credentials")
	}
	method := MethodBearer
	var (
		p   *Principal
		err error
	)
	if m.issuer.Owns(raw) {
		method = MethodSession
		p, err = m.validateSession(ctx, raw)
	} else {
		p, err = m.validateBearer(ctx, raw)
	}
	result := "ok"
	if err != nil {
		result = string(autherr.KindOf(err))
	}
	metrics.SessionValidations.WithLabelValues(string(method), result).Inc()
	return p, err
}

func (m *Manager) validateSession(ctx context.Context, raw string) (*Principal, error) {
	claims, err := m.issuer.Parse(raw)
	if err != nil {
		return nil, err
	}
	s, err := m.repo.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	if s == nil || s.UserID != claims.Subject {
		return nil, autherr.Newf(autherr.ErrSessionNotFound, "session is unknown or revoked")
	}
	if s.Expired(m.clock.Now()) {
		_ = m.repo.Delete(ctx, s.ID)
		return nil, autherr.Newf(autherr.ErrSessionExpired, "session expired")
	}
	u, err := m.users.GetByID(ctx, s.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, autherr.Newf(autherr.ErrSessionNotFound, "session user no longer exists")
	}
	if !u.Active {
		return nil, autherr.Newf(autherr.ErrUserDeactivated, "account is deactivated")
	}
	return &Principal{User: u, Method: MethodSession, SessionID: s.ID, Provider: s.Provider, ExpiresAt: s.ExpiresAt}, nil
}

func (m *Manager) validateBearer(ctx context.Context, raw string) (*Principal, error) {
	revoked, err := m.deny.IsRevoked(ctx, raw)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	if revoked {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token has been revoked")
	}
	ic, err := m.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	u, err := m.users.Sync(ctx, ic)
	if err != nil {
		return nil, err
	}
	return &Principal{User: u, Method: MethodBearer, Provider: string(ic.Provider), ExpiresAt: ic.ExpiresAt}, nil
}

// Revoke ends the session behind raw, or deny-lists a provider bearer token
// until its expiry. It returns the revoked session when there was one.
// Revoking an unknown or already revoked credential is not an error.
func (m *Manager) Revoke(ctx context.Context, raw string) (*Session, error) {
	if raw == "" {
		return nil, nil
	}
	if m.issuer.Owns(raw) {
		sid, err := m.issuer.SessionID(raw)
		if err != nil {
			return nil, nil
		}
		s, err := m.repo.Get(ctx, sid)
		if err != nil {
			return nil, autherr.Wrap(autherr.ErrInternal, err)
		}
		if err := m.repo.Delete(ctx, sid); err != nil {
			return nil, autherr.Wrap(autherr.ErrInternal, err)
		}
		return s, nil
	}

	ic, err := m.verifier.Verify(ctx, raw)
	if err != nil {
		if errors.Is(err, autherr.ErrProviderUnavailable) {
			return nil, err
		}
		logger.Debugf("logout with unverifiable bearer token ignored: %v", err)
		return nil, nil
	}
	if err := m.deny.Revoke(ctx, raw, ic.ExpiresAt.Sub(m.clock.Now())); err != nil {
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	return nil, nil
}
