package exchange

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/internal/sessions"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/hewjoe/storied-life/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

// DefaultStateTTL bounds how long a started login may wait for its callback.
const DefaultStateTTL = 10 * time.Minute

// Resolver supplies the provider endpoints and HTTP client.
type Resolver interface {
	Config() oidc.ProviderConfig
	Endpoints(ctx context.Context) (oidc.Endpoints, error)
	HTTPClient() *http.Client
}

type Verifier interface {
	Verify(ctx context.Context, raw string) (*oidc.IdentityClaims, error)
	VerifyIDToken(ctx context.Context, raw, nonce string) (*oidc.IdentityClaims, error)
}

type UserSyncer interface {
	Sync(ctx context.Context, ic *oidc.IdentityClaims) (*models.User, error)
}

type SessionEstablisher interface {
	Establish(ctx context.Context, u *models.User, kind oidc.Kind, idToken string) (*sessions.Issued, error)
}

// Authorization is where to send the browser to start a login.
type Authorization struct {
	URL       string    `json:"authorizationUrl"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CallbackParams are the query or form values of the provider redirect.
// CodeVerifier is optional; a client that ran PKCE itself may echo it.
type CallbackParams struct {
	Code             string `form:"code" json:"code" binding:"max=2048"`
	State            string `form:"state" json:"state" binding:"max=256"`
	Error            string `form:"error" json:"error" binding:"max=256"`
	ErrorDescription string `form:"error_description" json:"error_description"`
	CodeVerifier     string `form:"code_verifier" json:"codeVerifier" binding:"max=256"`
}

// Result is a completed login.
type Result struct {
	User     *models.User
	Session  *sessions.Issued
	ReturnTo string
	Provider oidc.Kind
	IDToken  string
	Phase    Phase
}

type Coordinator struct {
	resolver   Resolver
	verifier   Verifier
	users      UserSyncer
	sessions   SessionEstablisher
	store      Store
	ttl        time.Duration
	retryDelay time.Duration
	clock      clockwork.Clock
}

type Option func(*Coordinator)

func WithStateTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRetryDelay sets the pause before the single token-endpoint retry.
func WithRetryDelay(d time.Duration) Option { return func(c *Coordinator) { c.retryDelay = d } }

func WithClock(clock clockwork.Clock) Option { return func(c *Coordinator) { c.clock = clock } }

func NewCoordinator(r Resolver, v Verifier, u UserSyncer, s SessionEstablisher, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		resolver:   r,
		verifier:   v,
		users:      u,
		sessions:   s,
		store:      store,
		ttl:        DefaultStateTTL,
		retryDelay: 200 * time.Millisecond,
		clock:      clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) oauthConfig(eps oidc.Endpoints) *oauth2.Config {
	pc := c.resolver.Config()
	style := oauth2.AuthStyleInHeader
	if pc.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
		RedirectURL:  pc.RedirectURI,
		Scopes:       pc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   eps.AuthURL,
			TokenURL:  eps.TokenURL,
			AuthStyle: style,
		},
	}
}

// Begin starts a login. The PKCE verifier and nonce stay server-side in the
// store, keyed by the returned state.
func (c *Coordinator) Begin(ctx context.Context, returnTo string) (*Authorization, error) {
	kind := c.resolver.Config().Kind
	eps, err := c.resolver.Endpoints(ctx)
	if err != nil {
		return nil, c.fail(kind, "", PhaseInitiated, err)
	}
	state, err := randomValue()
	if err != nil {
		return nil, c.fail(kind, "", PhaseInitiated, autherr.Wrap(autherr.ErrInternal, err))
	}
	nonce, err := randomValue()
	if err != nil {
		return nil, c.fail(kind, state, PhaseInitiated, autherr.Wrap(autherr.ErrInternal, err))
	}
	now := c.clock.Now().UTC()
	st := &State{
		Value:     state,
		Verifier:  oauth2.GenerateVerifier(),
		Nonce:     nonce,
		ReturnTo:  SanitizeReturnTo(returnTo),
		Provider:  kind,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.Save(ctx, st, c.ttl); err != nil {
		return nil, c.fail(kind, state, PhaseInitiated, autherr.Wrap(autherr.ErrInternal, err))
	}

	authURL := c.oauthConfig(eps).AuthCodeURL(state,
		oauth2.S256ChallengeOption(st.Verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	metrics.ExchangeOutcomes.WithLabelValues(string(kind), string(PhaseAwaitingCallback), "").Inc()
	logger.Debugf("exchange: login initiated for %s, state expires %s", kind, st.ExpiresAt.Format(time.RFC3339))
	return &Authorization{URL: authURL, State: state, ExpiresAt: st.ExpiresAt}, nil
}

// Complete finishes a login. The state is consumed before anything else, so
// of any number of callbacks carrying the same state at most one proceeds.
func (c *Coordinator) Complete(ctx context.Context, p CallbackParams) (*Result, error) {
	kind := c.resolver.Config().Kind
	if p.State == "" {
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.Newf(autherr.ErrInvalidState, "callback carries no state"))
	}
	st, err := c.store.Consume(ctx, p.State)
	if err != nil {
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.Wrap(autherr.ErrInternal, err))
	}
	if st == nil || !c.clock.Now().Before(st.ExpiresAt) {
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.ErrInvalidState)
	}
	if st.Provider != "" && st.Provider != kind {
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.Newf(autherr.ErrInvalidState, "state was issued for provider %s", st.Provider))
	}

	if p.Error != "" {
		msg := p.Error
		if p.ErrorDescription != "" {
			msg += ": " + p.ErrorDescription
		}
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.Newf(autherr.ErrProviderRejected, "identity provider returned %s", msg))
	}
	if p.Code == "" {
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.Newf(autherr.ErrExchangeRejected, "callback carries no authorization code"))
	}
	if p.CodeVerifier != "" && p.CodeVerifier != st.Verifier {
		return nil, c.fail(kind, p.State, PhaseAwaitingCallback, autherr.Newf(autherr.ErrExchangeRejected, "code verifier does not match this login"))
	}

	tok, err := c.exchange(ctx, p.Code, st.Verifier)
	if err != nil {
		return nil, c.fail(kind, p.State, PhaseExchanging, err)
	}
	idToken, _ := tok.Extra("id_token").(string)

	var ic *oidc.IdentityClaims
	if idToken != "" {
		ic, err = c.verifier.VerifyIDToken(ctx, idToken, st.Nonce)
	} else {
		ic, err = c.verifier.Verify(ctx, tok.AccessToken)
	}
	if err != nil {
		return nil, c.fail(kind, p.State, PhaseExchanging, err)
	}

	u, err := c.users.Sync(ctx, ic)
	if err != nil {
		return nil, c.fail(kind, p.State, PhaseExchanging, err)
	}
	issued, err := c.sessions.Establish(ctx, u, kind, idToken)
	if err != nil {
		return nil, c.fail(kind, p.State, PhaseExchanging, err)
	}

	metrics.ExchangeOutcomes.WithLabelValues(string(kind), string(PhaseEstablished), "").Inc()
	logger.Infof("exchange: session %s established for user %s via %s", issued.Session.ID, u.ID, kind)
	return &Result{
		User:     u,
		Session:  issued,
		ReturnTo: st.ReturnTo,
		Provider: kind,
		IDToken:  idToken,
		Phase:    PhaseEstablished,
	}, nil
}

// exchange redeems the code at the token endpoint. Network failures and 5xx
// answers are retried once; a 4xx answer is final.
func (c *Coordinator) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	eps, err := c.resolver.Endpoints(ctx)
	if err != nil {
		return nil, err
	}
	cfg := c.oauthConfig(eps)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.resolver.HTTPClient())

	return backoff.Retry(ctx, func() (*oauth2.Token, error) {
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err == nil {
			return tok, nil
		}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(autherr.Newf(autherr.ErrExchangeRejected, "token endpoint refused the code: %s", retrieveReason(re)))
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(autherr.Wrap(autherr.ErrProviderUnavailable, err))
		}
		logger.Warnf("exchange: token endpoint failed: %v", err)
		return nil, autherr.Wrap(autherr.ErrProviderUnavailable, err)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)), backoff.WithMaxTries(2))
}

func retrieveReason(re *oauth2.RetrieveError) string {
	switch {
	case re.ErrorCode != "" && re.ErrorDescription != "":
		return re.ErrorCode + ": " + re.ErrorDescription
	case re.ErrorCode != "":
		return re.ErrorCode
	}
	return re.Response.Status
}

func (c *Coordinator) fail(kind oidc.Kind, state string, at Phase, err error) error {
	reason := string(autherr.KindOf(err))
	metrics.ExchangeOutcomes.WithLabelValues(string(kind), string(PhaseFailed), reason).Inc()
	logger.With("provider", kind, "state", statePrefix(state), "phase", at, "reason", reason).Warnf("exchange failed: %v", err)
	return err
}

// statePrefix keeps log lines correlatable without logging a usable state.
func statePrefix(state string) string {
	if len(state) > 8 {
		return state[:8]
	}
	return state
}

func randomValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SanitizeReturnTo keeps only same-origin relative paths and maps anything
// else to "/".
func SanitizeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}
