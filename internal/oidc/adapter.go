package oidc

import (
	"fmt"
	"time"

	"github.com/hewjoe/storied-life/internal/autherr"
)

// Adapter extracts identity from one provider's claim shape.
// All provider-specific branching lives behind this interface.
type Adapter interface {
	Kind() Kind
	Subject(c RawClaims) string
	Email(c RawClaims) (email string, verified bool)
	Username(c RawClaims) string
	Names(c RawClaims) (display, given, family string)
	Groups(c RawClaims) []string
	// Audiences lists every claim value that may carry the client audience.
	Audiences(c RawClaims) []string
	// Validate applies provider-only structural checks.
	Validate(c RawClaims) error
	// LogoutURL builds the front-channel logout URL, or "" when the provider has none.
	LogoutURL(ep Endpoints, cfg ProviderConfig, idTokenHint string) string
	// FallbackEndpoints adjusts the issuer-derived endpoints used when
	// discovery is unreachable.
	FallbackEndpoints(cfg ProviderConfig, base Endpoints) Endpoints
	// DefaultJWKSURI is the key set URL to use when metadata has none, or "".
	DefaultJWKSURI(cfg ProviderConfig) string
}

// AdapterFor returns the adapter for kind.
func AdapterFor(kind Kind) (Adapter, error) {
	switch kind {
	case KindAuthentik:
		return AuthentikAdapter{}, nil
	case KindCognito:
		return CognitoAdapter{}, nil
	}
	return nil, fmt.Errorf("oidc: no adapter for provider %q", kind)
}

// Normalize converts raw claims into IdentityClaims. A missing subject is fatal;
// every other absent claim degrades to its zero value.
func Normalize(a Adapter, raw RawClaims) (*IdentityClaims, error) {
	if err := a.Validate(raw); err != nil {
		return nil, err
	}
	sub := a.Subject(raw)
	if sub == "" {
		return nil, autherr.Newf(autherr.ErrMalformedClaims, "token has no subject")
	}
	email, verified := a.Email(raw)
	display, given, family := a.Names(raw)
	ic := &IdentityClaims{
		Provider:      a.Kind(),
		Subject:       sub,
		Email:         email,
		EmailVerified: verified,
		Username:      a.Username(raw),
		DisplayName:   display,
		GivenName:     given,
		FamilyName:    family,
		Groups:        normalizeGroups(a.Groups(raw)),
		Issuer:        raw.String("iss"),
		Nonce:         raw.String("nonce"),
	}
	if exp, ok := raw["exp"].(float64); ok {
		ic.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return ic, nil
}
