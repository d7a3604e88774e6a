package oidc

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Endpoints are the provider URLs used at runtime.
type Endpoints struct {
	Issuer        string
	AuthURL       string
	TokenURL      string
	JWKSURI       string
	EndSessionURL string
	UserInfoURL   string
	// Discovered is false when the values come from fallbacks.
	Discovered bool
}

// Discovery is the read-only document served to the frontend.
type Discovery struct {
	Issuer       string   `json:"issuer"`
	ClientID     string   `json:"clientId"`
	RedirectURI  string   `json:"redirectUri"`
	Scopes       []string `json:"scopes"`
	ResponseType string   `json:"responseType"`
	UsePKCE      bool     `json:"usePKCE"`
	Provider     Kind     `json:"provider"`
}

// Resolver resolves the active provider's endpoints via OpenID discovery.
// A successful discovery is cached for the process lifetime.
type Resolver struct {
	cfg     ProviderConfig
	adapter Adapter
	client  *http.Client

	group singleflight.Group
	mu    sync.RWMutex
	eps   *Endpoints
}

// NewResolver builds a resolver; a nil client gets a pooled cleanhttp client
// bounded by the configured timeout.
func NewResolver(cfg ProviderConfig, client *http.Client) (*Resolver, error) {
	cfg = cfg.withDefaults()
	adapter, err := AdapterFor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = NewHTTPClient(cfg.HTTPTimeout)
	}
	return &Resolver{cfg: cfg, adapter: adapter, client: client}, nil
}

// NewHTTPClient returns the client used for every provider call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return c
}

func (r *Resolver) Config() ProviderConfig { return r.cfg }
func (r *Resolver) Adapter() Adapter       { return r.adapter }
func (r *Resolver) HTTPClient() *http.Client {
	return r.client
}

// Discovery reports the frontend-facing settings. It never performs I/O.
func (r *Resolver) Discovery() Discovery {
	return Discovery{
		Issuer:       r.cfg.Issuer,
		ClientID:     r.cfg.ClientID,
		RedirectURI:  r.cfg.RedirectURI,
		Scopes:       append([]string(nil), r.cfg.Scopes...),
		ResponseType: "code",
		UsePKCE:      true,
		Provider:     r.cfg.Kind,
	}
}

// Endpoints returns discovered endpoints, running discovery on first use.
// When discovery fails the conventional fallbacks are returned uncached, so a
// later call retries discovery.
func (r *Resolver) Endpoints(ctx context.Context) (Endpoints, error) {
	r.mu.RLock()
	eps := r.eps
	r.mu.RUnlock()
	if eps != nil {
		return *eps, nil
	}

	v, err, _ := r.group.Do("discover", func() (interface{}, error) {
		return r.discover(context.WithoutCancel(ctx))
	})
	if err == nil {
		discovered := v.(Endpoints)
		r.mu.Lock()
		r.eps = &discovered
		r.mu.Unlock()
		return discovered, nil
	}

	fb, ok := r.fallback()
	if !ok {
		return Endpoints{}, autherr.Wrap(autherr.ErrProviderUnavailable, err)
	}
	logger.Warnf("oidc discovery for %s failed, using fallback endpoints: %v", r.cfg.Issuer, err)
	return fb, nil
}

func (r *Resolver) discover(ctx context.Context) (Endpoints, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HTTPTimeout)
	defer cancel()
	p, err := gooidc.NewProvider(gooidc.ClientContext(ctx, r.client), r.cfg.Issuer)
	if err != nil {
		return Endpoints{}, err
	}
	var extra struct {
		JWKSURI       string `json:"jwks_uri"`
		EndSessionURL string `json:"end_session_endpoint"`
		UserInfoURL   string `json:"userinfo_endpoint"`
	}
	if err := p.Claims(&extra); err != nil {
		return Endpoints{}, err
	}
	ep := p.Endpoint()
	eps := Endpoints{
		Issuer:        r.cfg.Issuer,
		AuthURL:       ep.AuthURL,
		TokenURL:      ep.TokenURL,
		JWKSURI:       extra.JWKSURI,
		EndSessionURL: extra.EndSessionURL,
		UserInfoURL:   extra.UserInfoURL,
		Discovered:    true,
	}
	return r.override(eps), nil
}

// fallback derives endpoints from the issuer, adjusted by the adapter. It needs
// an authorization URL, which the issuer alone cannot supply.
func (r *Resolver) fallback() (Endpoints, bool) {
	base := strings.TrimRight(r.cfg.Issuer, "/")
	eps := Endpoints{
		Issuer:   r.cfg.Issuer,
		TokenURL: base + "/token",
		JWKSURI:  base + "/.well-known/jwks.json",
	}
	eps = r.override(r.adapter.FallbackEndpoints(r.cfg, eps))
	return eps, eps.AuthURL != ""
}

func (r *Resolver) override(eps Endpoints) Endpoints {
	if r.cfg.AuthURL != "" {
		eps.AuthURL = r.cfg.AuthURL
	}
	if r.cfg.TokenURL != "" {
		eps.TokenURL = r.cfg.TokenURL
	}
	if r.cfg.JWKSURI != "" {
		eps.JWKSURI = r.cfg.JWKSURI
	}
	if r.cfg.EndSessionURL != "" {
		eps.EndSessionURL = r.cfg.EndSessionURL
	}
	return eps
}

// JWKSURI locates the active provider's key set for the KeyCache.
func (r *Resolver) JWKSURI(ctx context.Context) (string, error) {
	if r.cfg.JWKSURI != "" {
		return r.cfg.JWKSURI, nil
	}
	eps, err := r.Endpoints(ctx)
	if err == nil && eps.JWKSURI != "" {
		return eps.JWKSURI, nil
	}
	if uri := r.adapter.DefaultJWKSURI(r.cfg); uri != "" {
		return uri, nil
	}
	if err == nil {
		err = autherr.Newf(autherr.ErrProviderUnavailable, "provider metadata has no jwks_uri")
	}
	return "", err
}

// LogoutURL returns the provider front-channel logout URL, or "".
func (r *Resolver) LogoutURL(ctx context.Context, idTokenHint string) string {
	eps, err := r.Endpoints(ctx)
	if err != nil {
		eps = r.override(Endpoints{Issuer: r.cfg.Issuer})
	}
	return r.adapter.LogoutURL(eps, r.cfg, idTokenHint)
}
