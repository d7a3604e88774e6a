package tokens

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/config"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T, secret string) (*Issuer, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(config.SessionConfig{Secret: secret, Issuer: "storied-life"}, WithClock(clock)), clock
}

func TestIssueAndParse(t *testing.T) {
	iss, clock := newIssuer(t, "test-secret-32-bytes-should-be-long-enough")
	raw, err := iss.Issue("sess-1", "user-123", "authentik", clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	claims, err := iss.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.Subject != "user-123" || claims.Provider != "authentik" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !iss.Owns(raw) {
		t.Fatalf("issuer should own its token")
	}
}

func TestParse_Expiry(t *testing.T) {
	iss, clock := newIssuer(t, "another-secret-32-bytes-longgggg")
	raw, err := iss.Issue("sess-2", "u2", "cognito", clock.Now().Add(time.Minute))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = iss.Parse(raw)
	require.ErrorIs(t, err, autherr.ErrSessionExpired)

	// expired tokens still identify their session for revocation
	sid, err := iss.SessionID(raw)
	require.NoError(t, err)
	require.Equal(t, "sess-2", sid)
}

func TestParse_WrongSecretFails(t *testing.T) {
	a, clock := newIssuer(t, "secret-one-32-bytes-xxxxxxxxxxxxxxxx")
	b, _ := newIssuer(t, "different-secret-xxxxxxxxxxxxxxxx")
	raw, err := a.Issue("sess-3", "u3", "authentik", clock.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = b.Parse(raw)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
	_, err = b.SessionID(raw)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestParse_Malformed(t *testing.T) {
	iss, _ := newIssuer(t, "x-secret-32-bytes-xxxxxxxxxxxxxxxxx")
	_, err := iss.Parse("not.a.jwt")
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
	require.False(t, iss.Owns("not.a.jwt"))
}

// Rejected when alg=none (unsigned token)
func TestParse_AlgNoneRejected(t *testing.T) {
	iss, _ := newIssuer(t, "x-secret-32-bytes-xxxxxxxxxxxxxxxxx")
	enc := base64.RawURLEncoding.EncodeToString
	tok := enc([]byte(`{"alg":"none"}`)) + "." + enc([]byte(`{"sid":"s","sub":"u-none","iss":"storied-life","exp":9999999999}`)) + "."
	_, err := iss.Parse(tok)
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
	require.False(t, iss.Owns(tok))
}

// Tampering with payload must fail signature verification
func TestParse_TamperedPayload(t *testing.T) {
	iss, clock := newIssuer(t, "tamper-test-secret-32-bytes-xxxxxxx")
	raw, err := iss.Issue("sess-t", "user-t", "authentik", clock.Now().Add(5*time.Minute))
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(strings.Replace(string(payload), "user-t", "attacker", 1)))

	_, err = iss.Parse(strings.Join(parts, "."))
	require.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestOwns_ProviderTokens(t *testing.T) {
	iss, _ := newIssuer(t, "x-secret-32-bytes-xxxxxxxxxxxxxxxxx")
	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "https://auth.example.com/", "sub": "x", "sid": "s"}).SignedString([]byte("k"))
	require.NoError(t, err)
	require.False(t, iss.Owns(other))
}
