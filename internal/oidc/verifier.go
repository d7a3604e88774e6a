package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/pkg/metrics"
	"github.com/jonboulle/clockwork"
)

// KeyStore is the subset of KeyCache the verifier depends on.
type KeyStore interface {
	Keys(ctx context.Context, kind Kind) (*KeySet, error)
	Invalidate(kind Kind) bool
}

// allowedAlgs are the asymmetric algorithms accepted from providers.
var allowedAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

// Verifier checks provider tokens for one provider kind.
type Verifier struct {
	cfg     ProviderConfig
	keys    KeyStore
	adapter Adapter
	clock   clockwork.Clock
}

type VerifierOption func(*Verifier)

func WithVerifierClock(clock clockwork.Clock) VerifierOption {
	return func(v *Verifier) { v.clock = clock }
}

func NewVerifier(cfg ProviderConfig, keys KeyStore, opts ...VerifierOption) (*Verifier, error) {
	cfg = cfg.withDefaults()
	adapter, err := AdapterFor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	v := &Verifier{cfg: cfg, keys: keys, adapter: adapter, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

func (v *Verifier) Kind() Kind { return v.cfg.Kind }

// Verify checks a bearer (access or ID) token against the configured audience.
func (v *Verifier) Verify(ctx context.Context, raw string) (*IdentityClaims, error) {
	return v.verify(ctx, raw, v.cfg.Audience)
}

// VerifyIDToken checks an ID token: the audience must be the client id and the
// nonce must match the one sent with the authorization request.
func (v *Verifier) VerifyIDToken(ctx context.Context, raw, nonce string) (*IdentityClaims, error) {
	ic, err := v.verify(ctx, raw, v.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	if nonce != "" && ic.Nonce != nonce {
		v.count("nonce_mismatch")
		return nil, autherr.Newf(autherr.ErrInvalidToken, "id token nonce does not match")
	}
	return ic, nil
}

func (v *Verifier) verify(ctx context.Context, raw, audience string) (*IdentityClaims, error) {
	ic, err := v.run(ctx, raw, audience)
	if err != nil {
		v.count(string(autherr.KindOf(err)))
		return nil, err
	}
	v.count("ok")
	return ic, nil
}

// run applies the gates in order; the first failure ends verification.
func (v *Verifier) run(ctx context.Context, raw, audience string) (*IdentityClaims, error) {
	// 1. structure
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token is not a signed JWT")
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	hb, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil || json.Unmarshal(hb, &header) != nil {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token header is malformed")
	}
	if !allowedAlgs[header.Alg] {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "signing algorithm %q is not accepted", header.Alg)
	}
	sig, err := jwt.NewParser().DecodeSegment(parts[2])
	if err != nil {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token signature is not base64url")
	}

	// 2. signing key, with one forced refresh on a miss
	key, err := v.resolveKey(ctx, header.Kid)
	if err != nil {
		return nil, err
	}

	// 3. signature over the raw header and payload text
	method := jwt.GetSigningMethod(header.Alg)
	if method == nil || (key.Algorithm != "" && key.Algorithm != header.Alg) {
		return nil, autherr.Newf(autherr.ErrSignatureInvalid, "key %q does not sign %s", header.Kid, header.Alg)
	}
	if err := method.Verify(parts[0]+"."+parts[1], sig, key.Key); err != nil {
		return nil, autherr.Wrap(autherr.ErrSignatureInvalid, err)
	}

	claims := jwt.MapClaims{}
	pb, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil || json.Unmarshal(pb, &claims) != nil {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token payload is malformed")
	}

	// 4. issuer
	iss, err := claims.GetIssuer()
	if err != nil || iss != v.cfg.Issuer {
		return nil, autherr.Newf(autherr.ErrIssuerMismatch, "issuer %q is not %q", iss, v.cfg.Issuer)
	}

	// 5. audience
	if !contains(v.adapter.Audiences(RawClaims(claims)), audience) {
		return nil, autherr.Newf(autherr.ErrAudienceMismatch, "token is not issued for %q", audience)
	}

	// 6. validity window
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token has no usable exp claim")
	}
	now := v.clock.Now()
	skew := v.cfg.ClockSkew
	if now.After(exp.Add(skew)) {
		return nil, autherr.Newf(autherr.ErrTokenExpired, "token expired at %s", exp.UTC().Format(time.RFC3339))
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, autherr.Newf(autherr.ErrInvalidToken, "token has an unusable nbf claim")
	}
	if nbf != nil && now.Add(skew).Before(nbf.Time) {
		return nil, autherr.Newf(autherr.ErrTokenNotYetValid, "token is valid from %s", nbf.UTC().Format(time.RFC3339))
	}

	// 7. normalize
	ic, err := Normalize(v.adapter, RawClaims(claims))
	if err != nil {
		return nil, err
	}
	ic.ExpiresAt = exp.UTC()
	return ic, nil
}

func (v *Verifier) resolveKey(ctx context.Context, kid string) (keyMaterial, error) {
	set, err := v.keys.Keys(ctx, v.cfg.Kind)
	if err != nil {
		return keyMaterial{}, err
	}
	if k, ok := set.Lookup(kid); ok {
		return keyMaterial{Key: k.Key, Algorithm: k.Algorithm}, nil
	}
	// reread even when the invalidation is refused; a concurrent caller may
	// already have refetched
	v.keys.Invalidate(v.cfg.Kind)
	set, err = v.keys.Keys(ctx, v.cfg.Kind)
	if err != nil && !errors.Is(err, autherr.ErrProviderUnavailable) {
		return keyMaterial{}, err
	}
	if set != nil {
		if k, ok := set.Lookup(kid); ok {
			return keyMaterial{Key: k.Key, Algorithm: k.Algorithm}, nil
		}
	}
	return keyMaterial{}, autherr.Newf(autherr.ErrUnknownSigningKey, "no signing key with kid %q", kid)
}

type keyMaterial struct {
	Key       interface{}
	Algorithm string
}

func (v *Verifier) count(result string) {
	metrics.TokenVerifications.WithLabelValues(string(v.cfg.Kind), result).Inc()
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
