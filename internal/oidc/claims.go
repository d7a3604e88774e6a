package oidc

import (
	"sort"
	"strings"
	"time"
)

// IdentityClaims is the provider-neutral view of one verified token.
// It is never persisted; the user synchronizer maps it onto a User.
type IdentityClaims struct {
	Provider      Kind
	Subject       string
	Email         string
	EmailVerified bool
	Username      string
	DisplayName   string
	GivenName     string
	FamilyName    string
	Groups        []string
	Issuer        string
	ExpiresAt     time.Time
	Nonce         string
}

// RawClaims is a decoded JWT payload.
type RawClaims map[string]interface{}

// String returns the claim as a trimmed string, or "" when absent or not a string.
func (c RawClaims) String(key string) string {
	s, _ := c[key].(string)
	return strings.TrimSpace(s)
}

// Bool accepts JSON booleans and the "true"/"false" strings some providers emit.
func (c RawClaims) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

// Strings reads a list claim encoded as a JSON array or as a comma separated string.
func (c RawClaims) Strings(key string) []string {
	var out []string
	switch v := c[key].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		out = strings.Split(v, ",")
	}
	return out
}

// normalizeGroups trims, drops empties and de-duplicates, returning a sorted set.
func normalizeGroups(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// splitName splits "Ada King Lovelace" into ("Ada", "King Lovelace").
func splitName(full string) (given, family string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
