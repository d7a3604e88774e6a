package oidc

import (
	"net/url"
	"strings"

	"github.com/hewjoe/storied-life/internal/autherr"
)

// CognitoAdapter reads Cognito's claim shape. Group membership comes from
// "cognito:groups"; access tokens carry "client_id" instead of "aud".
type CognitoAdapter struct{}

func (CognitoAdapter) Kind() Kind { return KindCognito }

func (CognitoAdapter) Subject(c RawClaims) string { return c.String("sub") }

func (CognitoAdapter) Email(c RawClaims) (string, bool) {
	return strings.ToLower(c.String("email")), c.Bool("email_verified")
}

func (CognitoAdapter) Username(c RawClaims) string {
	if u := c.String("cognito:username"); u != "" {
		return u
	}
	if u := c.String("username"); u != "" {
		return u
	}
	return c.String("preferred_username")
}

func (CognitoAdapter) Names(c RawClaims) (string, string, string) {
	given, family := c.String("given_name"), c.String("family_name")
	display := c.String("name")
	if display == "" {
		display = strings.TrimSpace(given + " " + family)
	}
	return display, given, family
}

func (CognitoAdapter) Groups(c RawClaims) []string { return c.Strings("cognito:groups") }

func (CognitoAdapter) Audiences(c RawClaims) []string {
	aud := c.Strings("aud")
	if id := c.String("client_id"); id != "" {
		aud = append(aud, id)
	}
	return aud
}

// Validate rejects Cognito tokens that are neither ID nor access tokens.
func (CognitoAdapter) Validate(c RawClaims) error {
	switch c.String("token_use") {
	case "id", "access":
		return nil
	case "":
		return autherr.Newf(autherr.ErrMalformedClaims, "cognito token has no token_use")
	}
	return autherr.Newf(autherr.ErrMalformedClaims, "unexpected cognito token_use %q", c.String("token_use"))
}

// LogoutURL targets the hosted UI domain: the configured one, else the host of
// the authorization endpoint.
func (CognitoAdapter) LogoutURL(ep Endpoints, cfg ProviderConfig, _ string) string {
	host := cfg.CognitoDomain
	if host == "" && ep.AuthURL != "" {
		if u, err := url.Parse(ep.AuthURL); err == nil {
			host = u.Host
		}
	}
	if host == "" {
		return ""
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	q := url.Values{}
	q.Set("client_id", cfg.ClientID)
	if cfg.LogoutRedirectURI != "" {
		q.Set("logout_uri", cfg.LogoutRedirectURI)
	}
	return "https://" + strings.TrimRight(host, "/") + "/logout?" + q.Encode()
}

// FallbackEndpoints points authorize and token at the hosted UI domain.
func (CognitoAdapter) FallbackEndpoints(cfg ProviderConfig, base Endpoints) Endpoints {
	if cfg.CognitoDomain == "" {
		return base
	}
	host := "https://" + strings.TrimRight(strings.TrimPrefix(cfg.CognitoDomain, "https://"), "/")
	base.AuthURL = host + "/oauth2/authorize"
	base.TokenURL = host + "/oauth2/token"
	return base
}

// DefaultJWKSURI is the fixed path Cognito publishes its keys at under the issuer.
func (CognitoAdapter) DefaultJWKSURI(cfg ProviderConfig) string {
	return strings.TrimRight(cfg.Issuer, "/") + "/.well-known/jwks.json"
}
