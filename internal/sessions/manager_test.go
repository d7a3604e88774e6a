package sessions

import (
	"context"
	"strings"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/config"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/internal/oidc/oidctest"
	"github.com/hewjoe/storied-life/internal/tokens"
	"github.com/hewjoe/storied-life/internal/users"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mgr      *Manager
	provider *oidctest.Provider
	users    *users.Service
	userRepo *users.MemoryRepository
	store    *MemoryRepository
	clock    clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now())
	p := oidctest.New(t)
	p.Now = clock.Now

	cache := oidc.NewKeyCache(p.Server.Client(), oidc.WithCacheClock(clock))
	cache.Register(oidc.KindAuthentik, func(context.Context) (string, error) { return p.Issuer() + "/jwks", nil })
	verifier, err := oidc.NewVerifier(oidc.ProviderConfig{Kind: oidc.KindAuthentik, Issuer: p.Issuer(), ClientID: p.ClientID}, cache, oidc.WithVerifierClock(clock))
	require.NoError(t, err)

	userRepo := users.NewMemoryRepository()
	userSvc := users.NewService(userRepo, nil, users.WithClock(clock))

	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	deny := NewDenylist(redis.NewClient(&redis.Options{Addr: m.Addr()}))

	issuer := tokens.New(config.SessionConfig{Secret: strings.Repeat("k", 32), Issuer: "storied-life"}, tokens.WithClock(clock))
	store := NewMemoryRepository()
	mgr := NewManager(store, issuer, userSvc, verifier, WithTTL(time.Hour), WithDenylist(deny), WithClock(clock))
	return &fixture{mgr: mgr, provider: p, users: userSvc, userRepo: userRepo, store: store, clock: clock}
}

func (f *fixture) login(t *testing.T) (*models.User, *Issued) {
	t.Helper()
	u, err := f.users.Sync(context.Background(), &oidc.IdentityClaims{Provider: oidc.KindAuthentik, Subject: "u1", Email: "ada@example.com", Groups: []string{"admins"}})
	require.NoError(t, err)
	issued, err := f.mgr.Establish(context.Background(), u, oidc.KindAuthentik, "id-token")
	require.NoError(t, err)
	return u, issued
}

func TestEstablishAndValidateSession(t *testing.T) {
	f := newFixture(t)
	u, issued := f.login(t)
	assert.Equal(t, f.clock.Now().UTC().Add(time.Hour), issued.Session.ExpiresAt)
	assert.Equal(t, "id-token", issued.Session.IDToken)

	p, err := f.mgr.Validate(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Equal(t, MethodSession, p.Method)
	assert.Equal(t, u.ID, p.User.ID)
	assert.Equal(t, models.RoleAdmin, p.User.Role)
	assert.Equal(t, issued.Session.ID, p.SessionID)
	assert.Equal(t, "authentik", p.Provider)
}

// Both credential paths must resolve the same person to the same user.
func TestValidate_BearerConvergesOnSameUser(t *testing.T) {
	f := newFixture(t)
	u, _ := f.login(t)

	bearer := f.provider.Sign(t, f.provider.Claims("u1", map[string]interface{}{"email": "ada@example.com", "groups": []string{"admins"}}))
	p, err := f.mgr.Validate(context.Background(), bearer)
	require.NoError(t, err)
	assert.Equal(t, MethodBearer, p.Method)
	assert.Equal(t, u.ID, p.User.ID)
	assert.Empty(t, p.SessionID)
	assert.Equal(t, 1, f.userRepo.Len())
}

func TestValidate_SessionOutlivesProviderToken(t *testing.T) {
	f := newFixture(t)
	_, issued := f.login(t)

	// provider access tokens last minutes; the session is local policy
	f.clock.Advance(30 * time.Minute)
	_, err := f.mgr.Validate(context.Background(), issued.Token)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	_, err = f.mgr.Validate(context.Background(), issued.Token)
	require.ErrorIs(t, err, autherr.ErrSessionExpired)
	assert.Equal(t, 401, autherr.HTTPStatus(err))
}

func TestValidate_ExpiredSessionRecordIsDeleted(t *testing.T) {
	f := newFixture(t)
	u, _ := f.login(t)

	// a session whose stored expiry is earlier than its token's
	s := &Session{ID: "short", UserID: u.ID, Provider: "authentik", CreatedAt: f.clock.Now(), ExpiresAt: f.clock.Now().Add(time.Minute)}
	require.NoError(t, f.store.Create(context.Background(), s))
	raw, err := f.mgr.issuer.Issue("short", u.ID, "authentik", f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.mgr.Validate(context.Background(), raw)
	require.ErrorIs(t, err, autherr.ErrSessionExpired)
	got, _ := f.store.Get(context.Background(), "short")
	assert.Nil(t, got)
}

func TestRevokeSession(t *testing.T) {
	f := newFixture(t)
	_, issued := f.login(t)

	s, err := f.mgr.Revoke(context.Background(), issued.Token)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "id-token", s.IDToken)

	_, err = f.mgr.Validate(context.Background(), issued.Token)
	require.ErrorIs(t, err, autherr.ErrSessionNotFound)

	s, err = f.mgr.Revoke(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestRevokeBearer(t *testing.T) {
	f := newFixture(t)
	bearer := f.provider.Sign(t, f.provider.Claims("u2", nil))
	_, err := f.mgr.Validate(context.Background(), bearer)
	require.NoError(t, err)

	_, err = f.mgr.Revoke(context.Background(), bearer)
	require.NoError(t, err)
	_, err = f.mgr.Validate(context.Background(), bearer)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)

	_, err = f.mgr.Revoke(context.Background(), "garbage")
	require.NoError(t, err)
}

func TestValidate_DeactivatedUser(t *testing.T) {
	f := newFixture(t)
	u, issued := f.login(t)

	u.Active = false
	f.userRepo.Put(*u)
	_, err := f.mgr.Validate(context.Background(), issued.Token)
	require.ErrorIs(t, err, autherr.ErrUserDeactivated)

	bearer := f.provider.Sign(t, f.provider.Claims("u1", nil))
	_, err = f.mgr.Validate(context.Background(), bearer)
	require.ErrorIs(t, err, autherr.ErrUserDeactivated)
}

func TestValidate_RejectsMissingAndForeignCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Validate(context.Background(), "")
	require.ErrorIs(t, err, autherr.ErrUnauthenticated)

	_, err = f.mgr.Validate(context.Background(), "not-a-token")
	require.ErrorIs(t, err, autherr.ErrInvalidToken)

	other := tokens.New(config.SessionConfig{Secret: strings.Repeat("x", 32), Issuer: "storied-life"})
	forged, err := other.Issue("s", "u", "authentik", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = f.mgr.Validate(context.Background(), forged)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}
