// Package oidc verifies provider-issued tokens and turns their claims into one
// provider-neutral identity. It owns the signing-key cache, the per-provider
// claim adapters and endpoint discovery.
package oidc

import (
	"fmt"
	"strings"
	"time"

	"github.com/hewjoe/storied-life/internal/config"
)

// Kind tags the identity provider family.
type Kind string

const (
	// KindAuthentik is the self-hosted development provider.
	KindAuthentik Kind = "authentik"
	// KindCognito is the managed production provider.
	KindCognito Kind = "cognito"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindAuthentik:
		return KindAuthentik, nil
	case KindCognito:
		return KindCognito, nil
	}
	return "", fmt.Errorf("oidc: unknown provider kind %q", s)
}

// ProviderConfig is the immutable per-environment provider setup.
// It is built once at startup and shared read-only.
type ProviderConfig struct {
	Kind         Kind
	Issuer       string
	ClientID     string
	ClientSecret string
	Audience     string
	Scopes       []string
	RedirectURI  string

	// Explicit endpoints override discovery when set.
	JWKSURI       string
	AuthURL       string
	TokenURL      string
	EndSessionURL string

	LogoutRedirectURI string
	CognitoDomain     string

	ClockSkew   time.Duration
	HTTPTimeout time.Duration
}

// MaxClockSkew bounds the exp/nbf tolerance.
const MaxClockSkew = 60 * time.Second

// NewProviderConfig converts loaded configuration into a ProviderConfig.
func NewProviderConfig(c config.OIDCConfig) (ProviderConfig, error) {
	kind, err := ParseKind(c.Provider)
	if err != nil {
		return ProviderConfig{}, err
	}
	if c.IssuerURL == "" || c.ClientID == "" {
		return ProviderConfig{}, fmt.Errorf("oidc: issuer and client id are required")
	}
	pc := ProviderConfig{
		Kind:              kind,
		Issuer:            c.IssuerURL,
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		Audience:          c.Audience,
		Scopes:            append([]string(nil), c.Scopes...),
		RedirectURI:       c.RedirectURI,
		JWKSURI:           c.JWKSURI,
		AuthURL:           c.AuthURL,
		TokenURL:          c.TokenURL,
		EndSessionURL:     c.EndSessionURL,
		LogoutRedirectURI: c.LogoutRedirectURI,
		CognitoDomain:     c.CognitoDomain,
		ClockSkew:         c.ClockSkew,
		HTTPTimeout:       c.HTTPTimeout,
	}
	return pc.withDefaults(), nil
}

func (pc ProviderConfig) withDefaults() ProviderConfig {
	if pc.Audience == "" {
		pc.Audience = pc.ClientID
	}
	if len(pc.Scopes) == 0 {
		pc.Scopes = []string{"openid", "profile", "email"}
	}
	if pc.ClockSkew < 0 {
		pc.ClockSkew = 0
	}
	if pc.ClockSkew > MaxClockSkew {
		pc.ClockSkew = MaxClockSkew
	}
	if pc.HTTPTimeout <= 0 {
		pc.HTTPTimeout = 10 * time.Second
	}
	return pc
}
