package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	MongoDB   MongoDBConfig
	Redis     RedisConfig
	OIDC      OIDCConfig
	Session   SessionConfig
	Exchange  ExchangeConfig
	JWKS      JWKSConfig
	RateLimit RateLimitConfig
	Roles     RolesConfig
}

type ServerConfig struct {
	Port         string `validate:"required"`
	Host         string
	Environment  string `validate:"oneof=development test staging production"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string
	LogFormat    string `validate:"oneof=console json"`
	FrontendURL  string `validate:"required,url"`
	CORSOrigins  []string
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port, or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

type OIDCConfig struct {
	Provider          string `validate:"oneof=authentik cognito"`
	IssuerURL         string `validate:"required,url"`
	ClientID          string `validate:"required"`
	ClientSecret      string
	Audience          string   `validate:"required"`
	Scopes            []string `validate:"min=1"`
	RedirectURI       string   `validate:"required,url"`
	JWKSURI           string   `validate:"omitempty,url"`
	AuthURL           string   `validate:"omitempty,url"`
	TokenURL          string   `validate:"omitempty,url"`
	EndSessionURL     string   `validate:"omitempty,url"`
	LogoutRedirectURI string   `validate:"omitempty,url"`
	CognitoRegion     string
	CognitoUserPoolID string
	CognitoDomain     string
	HTTPTimeout       time.Duration `validate:"gte=1s,lte=10s"`
	ClockSkew         time.Duration `validate:"gte=0,lte=60s"`
}

type SessionConfig struct {
	Secret       string        `validate:"min=32"`
	TTL          time.Duration `validate:"gte=1m"`
	CookieName   string        `validate:"required"`
	CookieDomain string
	CookieSecure bool
	Issuer       string `validate:"required"`
}

type ExchangeConfig struct {
	StateTTL time.Duration `validate:"gte=1m,lte=30m"`
}

type JWKSConfig struct {
	TTL                time.Duration `validate:"gte=1m"`
	MinRefetchInterval time.Duration `validate:"gte=1s"`
	MaxStale           time.Duration `validate:"gte=0"`
}

type RateLimitConfig struct {
	Enabled       bool
	UseRedis      bool
	RPS           float64 `validate:"gte=0"`
	Burst         int     `validate:"gte=0"`
	WindowSeconds int     `validate:"gte=0"`
}

type RolesConfig struct {
	AdminGroups     []string
	ModeratorGroups []string
}

// IsProduction reports whether insecure development fallbacks must be refused.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production" || c.Server.Environment == "staging"
}

var validate = validator.New()

// LoadConfig loads configuration from environment variables and an optional .env file
func LoadConfig() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8001")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("FRONTEND_URL", "http://localhost:3001")
	v.SetDefault("POSTGRES_MAX_OPEN_CONNS", 10)
	v.SetDefault("POSTGRES_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("MONGODB_DATABASE", "storied_life")
	v.SetDefault("MONGODB_TIMEOUT", "10s")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("AUTH_PROVIDER", "authentik")
	v.SetDefault("OIDC_SCOPES", "openid profile email")
	v.SetDefault("OIDC_HTTP_TIMEOUT", "10s")
	v.SetDefault("OIDC_CLOCK_SKEW", "60s")
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("SESSION_COOKIE_NAME", "storied_session")
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("SESSION_ISSUER", "storied-life")
	v.SetDefault("EXCHANGE_STATE_TTL", "10m")
	v.SetDefault("JWKS_TTL", "1h")
	v.SetDefault("JWKS_MIN_REFETCH_INTERVAL", "30s")
	v.SetDefault("JWKS_MAX_STALE", "24h")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)

	frontend := strings.TrimRight(v.GetString("FRONTEND_URL"), "/")

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			Environment:  strings.ToLower(v.GetString("SERVER_ENVIRONMENT")),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
			LogLevel:     v.GetString("LOG_LEVEL"),
			LogFormat:    strings.ToLower(v.GetString("LOG_FORMAT")),
			FrontendURL:  frontend,
			CORSOrigins:  splitList(v.GetString("CORS_ORIGINS")),
		},
		Postgres: PostgresConfig{
			DSN:             v.GetString("POSTGRES_DSN"),
			MaxOpenConns:    v.GetInt("POSTGRES_MAX_OPEN_CONNS"),
			ConnMaxLifetime: v.GetDuration("POSTGRES_CONN_MAX_LIFETIME"),
		},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("MONGODB_URI"),
			Database: v.GetString("MONGODB_DATABASE"),
			Timeout:  v.GetDuration("MONGODB_TIMEOUT"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		OIDC: OIDCConfig{
			Provider:          strings.ToLower(v.GetString("AUTH_PROVIDER")),
			IssuerURL:         strings.TrimSpace(v.GetString("OIDC_ISSUER_URL")),
			ClientID:          v.GetString("OIDC_CLIENT_ID"),
			ClientSecret:      os.Getenv("OIDC_CLIENT_SECRET"),
			Audience:          v.GetString("OIDC_AUDIENCE"),
			Scopes:            strings.Fields(strings.ReplaceAll(v.GetString("OIDC_SCOPES"), ",", " ")),
			RedirectURI:       v.GetString("OIDC_REDIRECT_URI"),
			JWKSURI:           v.GetString("OIDC_JWKS_URI"),
			AuthURL:           v.GetString("OIDC_AUTH_URL"),
			TokenURL:          v.GetString("OIDC_TOKEN_URL"),
			EndSessionURL:     v.GetString("OIDC_END_SESSION_URL"),
			LogoutRedirectURI: v.GetString("OIDC_LOGOUT_REDIRECT_URI"),
			CognitoRegion:     v.GetString("COGNITO_REGION"),
			CognitoUserPoolID: v.GetString("COGNITO_USER_POOL_ID"),
			CognitoDomain:     v.GetString("COGNITO_DOMAIN"),
			HTTPTimeout:       v.GetDuration("OIDC_HTTP_TIMEOUT"),
			ClockSkew:         v.GetDuration("OIDC_CLOCK_SKEW"),
		},
		Session: SessionConfig{
			Secret:       os.Getenv("SESSION_SECRET"),
			TTL:          v.GetDuration("SESSION_TTL"),
			CookieName:   v.GetString("SESSION_COOKIE_NAME"),
			CookieDomain: v.GetString("SESSION_COOKIE_DOMAIN"),
			CookieSecure: v.GetBool("SESSION_COOKIE_SECURE"),
			Issuer:       v.GetString("SESSION_ISSUER"),
		},
		Exchange: ExchangeConfig{
			StateTTL: v.GetDuration("EXCHANGE_STATE_TTL"),
		},
		JWKS: JWKSConfig{
			TTL:                v.GetDuration("JWKS_TTL"),
			MinRefetchInterval: v.GetDuration("JWKS_MIN_REFETCH_INTERVAL"),
			MaxStale:           v.GetDuration("JWKS_MAX_STALE"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			UseRedis:      v.GetBool("RATE_LIMIT_USE_REDIS"),
			RPS:           v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		Roles: RolesConfig{
			AdminGroups:     splitList(v.GetString("ROLE_ADMIN_GROUPS")),
			ModeratorGroups: splitList(v.GetString("ROLE_MODERATOR_GROUPS")),
		},
	}

	cfg.applyDerived()

	if cfg.Session.Secret == "" && !cfg.IsProduction() {
		log.Println("WARNING: SESSION_SECRET is not set; using an ephemeral secret, sessions will not survive a restart")
		cfg.Session.Secret = randomSecret()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerived fills values that follow from other settings.
func (c *Config) applyDerived() {
	o := &c.OIDC
	if o.Provider == "cognito" && o.IssuerURL == "" && o.CognitoRegion != "" && o.CognitoUserPoolID != "" {
		o.IssuerURL = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", o.CognitoRegion, o.CognitoUserPoolID)
	}
	if o.Audience == "" {
		o.Audience = o.ClientID
	}
	if o.RedirectURI == "" && c.Server.FrontendURL != "" {
		o.RedirectURI = c.Server.FrontendURL + "/login/callback"
	}
	if o.LogoutRedirectURI == "" && c.Server.FrontendURL != "" {
		o.LogoutRedirectURI = c.Server.FrontendURL + "/"
	}
	if len(c.Server.CORSOrigins) == 0 && c.Server.FrontendURL != "" {
		c.Server.CORSOrigins = []string{c.Server.FrontendURL}
	}
}

// Validate checks the struct tags and returns the first few violations as one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: invalid configuration: %s", strings.Join(msgs, "; "))
}

// splitList splits a comma separated value. Entries keep inner spaces ("authentik Admins").
func splitList(s string) []string {
	out := []string{}
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
