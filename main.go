package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/hewjoe/storied-life/handlers"
	"github.com/hewjoe/storied-life/internal/config"
	"github.com/hewjoe/storied-life/internal/database"
	"github.com/hewjoe/storied-life/internal/exchange"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/internal/sessions"
	"github.com/hewjoe/storied-life/internal/tokens"
	"github.com/hewjoe/storied-life/internal/users"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/hewjoe/storied-life/pkg/metrics"
	"github.com/hewjoe/storied-life/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const connectAttempts = 5

func main() {
	// initialize logging (can be controlled with LOG_LEVEL env: debug|info|warn|error|fatal)
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.InitFormat(cfg.Server.LogFormat)
	logger.Init(cfg.Server.LogLevel)
	logger.Infof("config loaded: provider=%s postgres=%v mongo=%v redis=%v", cfg.OIDC.Provider, cfg.Postgres.DSN != "", cfg.MongoDB.URI != "", cfg.Redis.Host != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatalf("auth service stopped: %v", err)
	}
	logger.Sync()
}

// stores are the backing services chosen from configuration.
type stores struct {
	redis    *redis.Client
	mongo    *mongo.Client
	postgres *sql.DB

	users    users.Repository
	sessions sessions.Repository
	states   exchange.Store
	checks   map[string]handlers.ReadinessCheck
}

func (s *stores) close(ctx context.Context) {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.mongo != nil {
		_ = s.mongo.Disconnect(ctx)
	}
	if s.postgres != nil {
		_ = s.postgres.Close()
	}
}

// openStores connects what is configured. Users prefer Postgres, then
// MongoDB; sessions and exchange state prefer Redis, then MongoDB. Memory
// stores are a development fallback and are refused in production.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{checks: map[string]handlers.ReadinessCheck{}}

	if addr := cfg.Redis.Addr(); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s): %v", addr, err)
			_ = client.Close()
		} else {
			logger.Infof("Connected to Redis: %s", addr)
			s.redis = client
			s.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}

	if cfg.Postgres.DSN != "" {
		db, err := database.OpenPostgresWithRetry(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.ConnMaxLifetime, connectAttempts)
		if err != nil {
			return s, fmt.Errorf("postgres: %w", err)
		}
		s.postgres = db
		repo := users.NewPostgresRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return s, fmt.Errorf("postgres schema: %w", err)
		}
		s.users = repo
		s.checks["postgres"] = db.PingContext
		logger.Infof("Using Postgres for user storage")
	}

	if cfg.MongoDB.URI != "" {
		client, err := database.ConnectMongoWithRetry(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout, connectAttempts)
		if err != nil {
			logger.Warnf("could not connect to MongoDB after %d attempts: %v", connectAttempts, err)
		} else {
			s.mongo = client
			db := client.Database(cfg.MongoDB.Database)
			s.checks["mongodb"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
			if s.users == nil {
				repo := users.NewMongoRepository(db.Collection("users"))
				if err := repo.EnsureIndexes(ctx); err != nil {
					return s, fmt.Errorf("mongo user indexes: %w", err)
				}
				s.users = repo
				logger.Infof("Using MongoDB for user storage")
			}
			if s.redis == nil {
				repo := sessions.NewMongoRepository(db.Collection("sessions"))
				if err := repo.EnsureIndexes(ctx); err != nil {
					return s, fmt.Errorf("mongo session indexes: %w", err)
				}
				s.sessions = repo
				logger.Infof("Using MongoDB for session storage")
			}
		}
	}

	if s.redis != nil {
		s.sessions = sessions.NewRedisRepository(s.redis, "session:")
		s.states = exchange.NewRedisStore(s.redis, "exchange:state:")
		logger.Infof("Using Redis for session and login state storage")
	}

	if s.users == nil || s.sessions == nil || s.states == nil {
		if cfg.IsProduction() {
			return s, errors.New("persistent user, session and login state stores are required in production")
		}
		if s.users == nil {
			logger.Warn("no user database configured; using in-memory users")
			s.users = users.NewMemoryRepository()
		}
		if s.sessions == nil {
			logger.Warn("no session store configured; using in-memory sessions")
			s.sessions = sessions.NewMemoryRepository()
		}
		if s.states == nil {
			s.states = exchange.NewMemoryStore(nil)
		}
	}
	return s, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	defer st.close(context.Background())
	if err != nil {
		return err
	}

	pc, err := oidc.NewProviderConfig(cfg.OIDC)
	if err != nil {
		return err
	}
	httpClient := oidc.NewHTTPClient(pc.HTTPTimeout)
	resolver, err := oidc.NewResolver(pc, httpClient)
	if err != nil {
		return err
	}
	keys := oidc.NewKeyCache(httpClient,
		oidc.WithTTL(cfg.JWKS.TTL),
		oidc.WithMinRefetchInterval(cfg.JWKS.MinRefetchInterval),
		oidc.WithMaxStale(cfg.JWKS.MaxStale),
	)
	keys.Register(pc.Kind, resolver.JWKSURI)
	verifier, err := oidc.NewVerifier(pc, keys)
	if err != nil {
		return err
	}

	// warm discovery and the key set; failures here are retried on demand
	warmCtx, cancel := context.WithTimeout(ctx, pc.HTTPTimeout)
	if _, err := keys.Keys(warmCtx, pc.Kind); err != nil {
		logger.Warnf("initial JWKS fetch for %s failed: %v", pc.Issuer, err)
	}
	cancel()

	roles := models.DefaultRoleTable()
	if len(cfg.Roles.AdminGroups) > 0 || len(cfg.Roles.ModeratorGroups) > 0 {
		roles = models.NewRoleTable(cfg.Roles.AdminGroups, cfg.Roles.ModeratorGroups)
	}
	userSvc := users.NewService(st.users, roles)

	var deny *sessions.Denylist
	if st.redis != nil {
		deny = sessions.NewDenylist(st.redis)
	}
	mgr := sessions.NewManager(st.sessions, tokens.New(cfg.Session), userSvc, verifier,
		sessions.WithTTL(cfg.Session.TTL),
		sessions.WithDenylist(deny),
	)
	coord := exchange.NewCoordinator(resolver, verifier, userSvc, mgr, st.states,
		exchange.WithStateTTL(cfg.Exchange.StateTTL),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && st.redis != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			r.Use(middleware.RedisRateLimitMiddleware(st.redis, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			r.Use(middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}

	st.checks["jwks"] = func(ctx context.Context) error {
		if keys.Healthy(pc.Kind) {
			return nil
		}
		_, err := keys.Keys(ctx, pc.Kind)
		return err
	}
	handlers.RegisterHealth(r, st.checks)
	handlers.RegisterSwagger(r)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterCollectors(reg)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	handlers.NewAuthHandler(cfg, coord, mgr, resolver).Register(api)
	handlers.NewUsersHandler(userSvc).Register(api, middleware.AuthMiddleware(mgr, cfg.Session.CookieName))

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	withCORS := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	srv := &http.Server{
		Addr:         addr,
		Handler:      withCORS(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting auth service on %s (provider %s, issuer %s)", addr, pc.Kind, pc.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}
