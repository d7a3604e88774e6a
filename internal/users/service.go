package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/jonboulle/clockwork"
)

const syncAttempts = 3

// Service encapsulates user-related business logic
type Service struct {
	repo  Repository
	roles models.RoleTable
	clock clockwork.Clock
	locks keyedMutex
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(r Repository, roles models.RoleTable, opts ...Option) *Service {
	if roles == nil {
		roles = models.DefaultRoleTable()
	}
	s := &Service{repo: r, roles: roles, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sync creates or updates the user for verified identity claims.
//
// Calls for the same provider subject are serialized in-process; the
// repository serializes across processes and reports lost races as
// ErrConflict, which is retried.
func (s *Service) Sync(ctx context.Context, ic *oidc.IdentityClaims) (*models.User, error) {
	if ic == nil || ic.Subject == "" {
		return nil, autherr.Newf(autherr.ErrMalformedClaims, "identity has no subject")
	}
	unlock := s.locks.Lock(string(ic.Provider) + "|" + ic.Subject)
	defer unlock()

	l := Lookup{Provider: string(ic.Provider), ExternalID: ic.Subject, Email: strings.ToLower(ic.Email)}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond

	u, err := backoff.Retry(ctx, func() (*models.User, error) {
		u, err := s.repo.Sync(ctx, l, func(byExternal, byEmail *models.User) (*models.User, error) {
			return s.merge(ic, byExternal, byEmail)
		})
		if errors.Is(err, ErrConflict) {
			logger.Debugf("user sync for %s subject conflicted, retrying", ic.Provider)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return u, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(syncAttempts))
	if err != nil {
		var ae *autherr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	return u, nil
}

// merge computes the record to persist. It never mutates its inputs.
func (s *Service) merge(ic *oidc.IdentityClaims, byExternal, byEmail *models.User) (*models.User, error) {
	now := s.clock.Now().UTC().Truncate(time.Millisecond)
	provider := string(ic.Provider)

	var u models.User
	switch {
	case byExternal != nil:
		if byEmail != nil && byEmail.ID != byExternal.ID {
			return nil, autherr.Newf(autherr.ErrEmailConflict, "email is already used by another account")
		}
		u = *byExternal
	case byEmail != nil:
		// Transitional: accounts created before external ids were recorded are
		// linked once by email. An email bound to another subject is never taken over.
		if byEmail.ExternalID != "" {
			return nil, autherr.Newf(autherr.ErrEmailConflict, "email is already linked to another identity")
		}
		u = *byEmail
		u.ExternalID = ic.Subject
		u.Provider = provider
		logger.Infof("linked legacy account %s to its %s identity", u.ID, provider)
	default:
		u = models.User{
			ID:         uuid.NewString(),
			ExternalID: ic.Subject,
			Provider:   provider,
			Active:     true,
			CreatedAt:  now,
			Username:   defaultUsername(ic),
		}
	}

	if !u.Active {
		return nil, autherr.Newf(autherr.ErrUserDeactivated, "account is deactivated")
	}

	if ic.Email != "" {
		u.Email = strings.ToLower(ic.Email)
		u.EmailVerified = ic.EmailVerified
	}
	if ic.Username != "" && u.Username == "" {
		u.Username = ic.Username
	}
	if u.Username == "" {
		u.Username = defaultUsername(ic)
	}
	if ic.DisplayName != "" {
		u.FullName = ic.DisplayName
	}
	if u.FullName == "" {
		u.FullName = u.Username
	}
	u.Role = s.roles.Resolve(ic.Groups)
	u.UpdatedAt = now
	u.LastLogin = now
	return &u, nil
}

// defaultUsername is the email local part, else the provider username, else the subject.
func defaultUsername(ic *oidc.IdentityClaims) string {
	if at := strings.IndexByte(ic.Email, '@'); at > 0 {
		return strings.ToLower(ic.Email[:at])
	}
	if ic.Username != "" {
		return ic.Username
	}
	return ic.Subject
}

func (s *Service) GetByID(ctx context.Context, id string) (*models.User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrInternal, err)
	}
	return u, nil
}

// keyedMutex hands out one mutex per key and drops it when the last holder
// unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
