package oidc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/oidc/oidctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Discovery(t *testing.T) {
	p := oidctest.New(t)
	r, err := NewResolver(ProviderConfig{
		Kind:              KindAuthentik,
		Issuer:            p.Issuer(),
		ClientID:          p.ClientID,
		RedirectURI:       "https://app.example.com/login/callback",
		LogoutRedirectURI: "https://app.example.com/",
	}, p.Server.Client())
	require.NoError(t, err)

	eps, err := r.Endpoints(context.Background())
	require.NoError(t, err)
	assert.True(t, eps.Discovered)
	assert.Equal(t, p.Issuer()+"/authorize", eps.AuthURL)
	assert.Equal(t, p.Issuer()+"/token", eps.TokenURL)
	assert.Equal(t, p.Issuer()+"/jwks", eps.JWKSURI)
	assert.Equal(t, p.Issuer()+"/end-session", eps.EndSessionURL)

	uri, err := r.JWKSURI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p.Issuer()+"/jwks", uri)

	assert.Contains(t, r.LogoutURL(context.Background(), "hint"), p.Issuer()+"/end-session?")

	d := r.Discovery()
	assert.Equal(t, p.Issuer(), d.Issuer)
	assert.Equal(t, p.ClientID, d.ClientID)
	assert.Equal(t, "code", d.ResponseType)
	assert.True(t, d.UsePKCE)
	assert.Equal(t, []string{"openid", "profile", "email"}, d.Scopes)
	assert.Equal(t, KindAuthentik, d.Provider)
}

func TestResolver_FallbackWhenDiscoveryFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r, err := NewResolver(ProviderConfig{
		Kind:          KindCognito,
		Issuer:        srv.URL + "/eu-west-1_AbC123",
		ClientID:      "web",
		CognitoDomain: "storied.auth.eu-west-1.amazoncognito.com",
	}, srv.Client())
	require.NoError(t, err)

	eps, err := r.Endpoints(context.Background())
	require.NoError(t, err)
	assert.False(t, eps.Discovered)
	assert.Equal(t, "https://storied.auth.eu-west-1.amazoncognito.com/oauth2/authorize", eps.AuthURL)
	assert.Equal(t, "https://storied.auth.eu-west-1.amazoncognito.com/oauth2/token", eps.TokenURL)
	assert.Equal(t, srv.URL+"/eu-west-1_AbC123/.well-known/jwks.json", eps.JWKSURI)

	uri, err := r.JWKSURI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/eu-west-1_AbC123/.well-known/jwks.json", uri)
}

func TestResolver_NoFallbackWithoutAuthURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r, err := NewResolver(ProviderConfig{Kind: KindAuthentik, Issuer: srv.URL, ClientID: "web"}, srv.Client())
	require.NoError(t, err)
	_, err = r.Endpoints(context.Background())
	require.ErrorIs(t, err, autherr.ErrProviderUnavailable)

	r, err = NewResolver(ProviderConfig{Kind: KindAuthentik, Issuer: srv.URL, ClientID: "web", AuthURL: srv.URL + "/authorize"}, srv.Client())
	require.NoError(t, err)
	eps, err := r.Endpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/token", eps.TokenURL)
}

func TestNewProviderConfig_Defaults(t *testing.T) {
	pc := ProviderConfig{Kind: KindAuthentik, ClientID: "web", ClockSkew: 10 * MaxClockSkew}.withDefaults()
	assert.Equal(t, "web", pc.Audience)
	assert.Equal(t, MaxClockSkew, pc.ClockSkew)
	assert.NotZero(t, pc.HTTPTimeout)
}
