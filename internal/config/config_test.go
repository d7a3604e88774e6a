package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("ENV_FILE", "testdata/does-not-exist.env")
	t.Setenv("OIDC_ISSUER_URL", "https://auth.example.com/application/o/storied-life/")
	t.Setenv("OIDC_CLIENT_ID", "storied-web")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("FRONTEND_URL", "https://app.example.com/")
}

func TestLoadConfig(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "authentik", cfg.OIDC.Provider)
	require.Equal(t, "https://auth.example.com/application/o/storied-life/", cfg.OIDC.IssuerURL, "issuer is compared exactly, trailing slash kept")
	require.Equal(t, "storied-web", cfg.OIDC.Audience, "audience defaults to client id")
	require.Equal(t, "https://app.example.com/login/callback", cfg.OIDC.RedirectURI)
	require.Equal(t, []string{"openid", "profile", "email"}, cfg.OIDC.Scopes)
	require.Equal(t, 10*time.Minute, cfg.Exchange.StateTTL)
	require.Equal(t, 30*time.Second, cfg.JWKS.MinRefetchInterval)
	require.Equal(t, 60*time.Second, cfg.OIDC.ClockSkew)
	require.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	require.Empty(t, cfg.Redis.Addr())
}

func TestLoadConfig_CognitoIssuerDerived(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUTH_PROVIDER", "Cognito")
	t.Setenv("OIDC_ISSUER_URL", "")
	t.Setenv("COGNITO_REGION", "eu-west-1")
	t.Setenv("COGNITO_USER_POOL_ID", "eu-west-1_AbC123")
	t.Setenv("ROLE_ADMIN_GROUPS", "ops, authentik Admins")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "cognito", cfg.OIDC.Provider)
	require.Equal(t, "https://cognito-idp.eu-west-1.amazonaws.com/eu-west-1_AbC123", cfg.OIDC.IssuerURL)
	require.Equal(t, []string{"ops", "authentik Admins"}, cfg.Roles.AdminGroups)
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown provider":  {"AUTH_PROVIDER", "keycloak"},
		"missing client id": {"OIDC_CLIENT_ID", ""},
		"skew too large":    {"OIDC_CLOCK_SKEW", "5m"},
		"timeout too long":  {"OIDC_HTTP_TIMEOUT", "30s"},
		"short secret":      {"SESSION_SECRET", "short"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_EphemeralSecretOutsideProduction(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SESSION_SECRET", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Session.Secret, 64)

	t.Setenv("SERVER_ENVIRONMENT", "production")
	_, err = LoadConfig()
	require.Error(t, err)
}
