// Package oidctest runs an in-process OpenID provider for tests: discovery,
// JWKS, an authorize shortcut and a token endpoint that checks S256 PKCE.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultClientID = "storied-web"

type signingKey struct {
	kid string
	key *rsa.PrivateKey
}

type grant struct {
	challenge string
	nonce     string
	claims    map[string]interface{}
}

// Provider is a fake identity provider backed by httptest.Server.
type Provider struct {
	Server   *httptest.Server
	ClientID string
	// Now stamps iat/exp on issued tokens.
	Now func() time.Time

	mu          sync.Mutex
	published   []signingKey
	signer      signingKey
	jwksDown    bool
	jwksHits    int
	tokenStatus int
	tokenCalls  int
	omitIDToken bool
	codes       map[string]grant
	seq         int
}

// New starts a provider; it is closed when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{ClientID: DefaultClientID, Now: time.Now, codes: map[string]grant{}}
	p.signer = p.newKey(t)
	p.published = []signingKey{p.signer}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Provider) Issuer() string { return p.Server.URL }

func (p *Provider) newKey(t testing.TB) signingKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	p.seq++
	return signingKey{kid: fmt.Sprintf("key-%d", p.seq), key: k}
}

// RotateKey switches signing to a fresh key and publishes it next to the old one.
func (p *Provider) RotateKey(t testing.TB) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signer = p.newKey(t)
	p.published = append(p.published, p.signer)
	return p.signer.kid
}

// UnpublishedKey returns a key the JWKS endpoint never serves.
func (p *Provider) UnpublishedKey(t testing.TB) (string, *rsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.newKey(t)
	return k.kid, k.key
}

func (p *Provider) SetJWKSDown(down bool) {
	p.mu.Lock()
	p.jwksDown = down
	p.mu.Unlock()
}

func (p *Provider) JWKSHits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksHits
}

// SetTokenStatus makes the token endpoint answer with status; 0 restores normal behaviour.
func (p *Provider) SetTokenStatus(status int) {
	p.mu.Lock()
	p.tokenStatus = status
	p.mu.Unlock()
}

// OmitIDToken makes the token endpoint return only an access token.
func (p *Provider) OmitIDToken(omit bool) {
	p.mu.Lock()
	p.omitIDToken = omit
	p.mu.Unlock()
}

func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// Claims returns a valid claim set for sub, merged with extra.
func (p *Provider) Claims(sub string, extra map[string]interface{}) map[string]interface{} {
	now := p.Now()
	c := map[string]interface{}{
		"iss": p.Issuer(),
		"aud": p.ClientID,
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

// Sign signs claims with the current key.
func (p *Provider) Sign(t testing.TB, claims map[string]interface{}) string {
	p.mu.Lock()
	k := p.signer
	p.mu.Unlock()
	return SignWith(t, k.kid, k.key, claims)
}

// SignWith signs claims with an arbitrary RS256 key.
func SignWith(t testing.TB, kid string, key *rsa.PrivateKey, claims map[string]interface{}) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// Authorize plays the browser and login form: it reads the authorization URL
// produced by the client and registers a code bound to its PKCE challenge.
// claims are the identity the provider will assert.
func (p *Provider) Authorize(t testing.TB, authURL string, claims map[string]interface{}) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("authorization url lacks an S256 challenge: %s", authURL)
	}
	if q.Get("client_id") != p.ClientID {
		t.Fatalf("unexpected client_id %q", q.Get("client_id"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	code = fmt.Sprintf("code-%d", p.seq)
	p.codes[code] = grant{challenge: q.Get("code_challenge"), nonce: q.Get("nonce"), claims: claims}
	return code, q.Get("state")
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"jwks_uri":                              base + "/jwks",
		"end_session_endpoint":                  base + "/end-session",
		"userinfo_endpoint":                     base + "/userinfo",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.jwksHits++
	down := p.jwksDown
	set := jose.JSONWebKeySet{}
	for _, k := range p.published {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.key.PublicKey, KeyID: k.kid, Algorithm: "RS256", Use: "sig"})
	}
	p.mu.Unlock()
	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.tokenCalls++
	status := p.tokenStatus
	omitID := p.omitIDToken
	p.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "server_error"})
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	clientID := r.PostForm.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok {
		clientID = user
	}
	if clientID != p.ClientID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown or used code"})
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "PKCE verification failed"})
		return
	}

	access := copyClaims(g.claims)
	id := copyClaims(g.claims)
	if g.nonce != "" {
		id["nonce"] = g.nonce
	}
	resp := map[string]interface{}{
		"access_token":  p.sign(access),
		"token_type":    "Bearer",
		"expires_in":    300,
		"refresh_token": "refresh-" + code,
	}
	if !omitID {
		resp["id_token"] = p.sign(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) sign(claims map[string]interface{}) string {
	p.mu.Lock()
	k := p.signer
	p.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	tok.Header["kid"] = k.kid
	s, err := tok.SignedString(k.key)
	if err != nil {
		panic(err)
	}
	return s
}

func copyClaims(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
