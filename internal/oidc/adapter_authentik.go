package oidc

import (
	"net/url"
	"strings"
)

// AuthentikAdapter reads authentik's claim shape: a flat "groups" claim and a
// single "name" that is split when given/family names are absent.
type AuthentikAdapter struct{}

func (AuthentikAdapter) Kind() Kind { return KindAuthentik }

func (AuthentikAdapter) Subject(c RawClaims) string { return c.String("sub") }

func (AuthentikAdapter) Email(c RawClaims) (string, bool) {
	return strings.ToLower(c.String("email")), c.Bool("email_verified")
}

func (AuthentikAdapter) Username(c RawClaims) string {
	if u := c.String("preferred_username"); u != "" {
		return u
	}
	return c.String("nickname")
}

func (AuthentikAdapter) Names(c RawClaims) (string, string, string) {
	display := c.String("name")
	given, family := c.String("given_name"), c.String("family_name")
	if given == "" && family == "" {
		given, family = splitName(display)
	}
	if display == "" {
		display = strings.TrimSpace(given + " " + family)
	}
	return display, given, family
}

// Groups accepts both the list form and the comma separated form of "groups".
func (AuthentikAdapter) Groups(c RawClaims) []string { return c.Strings("groups") }

func (AuthentikAdapter) Audiences(c RawClaims) []string { return c.Strings("aud") }

func (AuthentikAdapter) Validate(RawClaims) error { return nil }

func (AuthentikAdapter) FallbackEndpoints(_ ProviderConfig, base Endpoints) Endpoints { return base }

func (AuthentikAdapter) DefaultJWKSURI(ProviderConfig) string { return "" }

func (AuthentikAdapter) LogoutURL(ep Endpoints, cfg ProviderConfig, idTokenHint string) string {
	if ep.EndSessionURL == "" {
		return ""
	}
	u, err := url.Parse(ep.EndSessionURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if cfg.LogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", cfg.LogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
