package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/hewjoe/storied-life/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultJWKSTTL            = time.Hour
	DefaultMinRefetchInterval = 30 * time.Second
	DefaultMaxStale           = 24 * time.Hour

	maxJWKSBytes = 1 << 20
)

// KeySet is an immutable snapshot of a provider's signing keys.
type KeySet struct {
	Keys      map[string]jose.JSONWebKey
	FetchedAt time.Time
	// Stale is set on copies served after a failed refresh.
	Stale bool
}

// Lookup finds a key by id. A token without a kid matches only a single-key set.
func (s *KeySet) Lookup(kid string) (jose.JSONWebKey, bool) {
	if k, ok := s.Keys[kid]; ok {
		return k, true
	}
	if kid == "" && len(s.Keys) == 1 {
		for _, k := range s.Keys {
			return k, true
		}
	}
	return jose.JSONWebKey{}, false
}

// JWKSLocator returns the key set URL for one provider.
type JWKSLocator func(ctx context.Context) (string, error)

type cacheEntry struct {
	locate  JWKSLocator
	set     *KeySet
	forced  bool
	retryAt time.Time
	limiter *rate.Limiter
}

// KeyCache caches one key set per provider kind.
// Readers share an RWMutex; the write lock is held only to swap a fetched set
// in, never across network I/O.
type KeyCache struct {
	client     *http.Client
	clock      clockwork.Clock
	ttl        time.Duration
	minRefetch time.Duration
	maxStale   time.Duration

	mu      sync.RWMutex
	entries map[Kind]*cacheEntry
	group   singleflight.Group
}

type CacheOption func(*KeyCache)

func WithTTL(d time.Duration) CacheOption { return func(c *KeyCache) { c.ttl = d } }

// WithMinRefetchInterval bounds how often Invalidate may force a refetch.
func WithMinRefetchInterval(d time.Duration) CacheOption {
	return func(c *KeyCache) { c.minRefetch = d }
}

// WithMaxStale bounds how long past its fetch time a set may be served after
// refresh failures. Zero means no bound.
func WithMaxStale(d time.Duration) CacheOption { return func(c *KeyCache) { c.maxStale = d } }

func WithCacheClock(clock clockwork.Clock) CacheOption {
	return func(c *KeyCache) { c.clock = clock }
}

func NewKeyCache(client *http.Client, opts ...CacheOption) *KeyCache {
	c := &KeyCache{
		client:     client,
		clock:      clockwork.NewRealClock(),
		ttl:        DefaultJWKSTTL,
		minRefetch: DefaultMinRefetchInterval,
		maxStale:   DefaultMaxStale,
		entries:    map[Kind]*cacheEntry{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.client == nil {
		c.client = NewHTTPClient(10 * time.Second)
	}
	return c
}

// Register sets the key source for kind. Re-registering drops the cached set.
func (c *KeyCache) Register(kind Kind, locate JWKSLocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kind] = &cacheEntry{
		locate:  locate,
		limiter: rate.NewLimiter(rate.Every(c.minRefetch), 1),
	}
}

// Keys returns the cached set when fresh, otherwise refetches. When the
// refetch fails a previously fetched set is returned marked Stale; with no
// set at all the error is ProviderUnavailable.
func (c *KeyCache) Keys(ctx context.Context, kind Kind) (*KeySet, error) {
	c.mu.RLock()
	e, ok := c.entries[kind]
	var (
		set     *KeySet
		forced  bool
		retryAt time.Time
		locate  JWKSLocator
	)
	if ok {
		set, forced, retryAt, locate = e.set, e.forced, e.retryAt, e.locate
	}
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("oidc: no key source registered for %q", kind)
	}

	now := c.clock.Now()
	if set != nil && !forced && now.Sub(set.FetchedAt) < c.ttl {
		return set, nil
	}
	if now.Before(retryAt) {
		return c.stale(kind, set, errors.New("previous refresh failed recently"))
	}

	v, err, _ := c.group.Do(string(kind), func() (interface{}, error) {
		// a refresh that finished between the read above and Do is reused
		if cur := c.fresh(kind); cur != nil {
			return cur, nil
		}
		return c.refresh(context.WithoutCancel(ctx), kind, locate)
	})
	if err != nil {
		return c.stale(kind, set, err)
	}
	return v.(*KeySet), nil
}

func (c *KeyCache) fresh(kind Kind) *KeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kind]
	if !ok || e.set == nil || e.forced || c.clock.Since(e.set.FetchedAt) >= c.ttl {
		return nil
	}
	return e.set
}

// Invalidate forces the next Keys call to refetch. It is honoured at most once
// per minimum refetch interval and reports whether it was.
func (c *KeyCache) Invalidate(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[kind]
	if !ok || !e.limiter.AllowN(c.clock.Now(), 1) {
		return false
	}
	e.forced = true
	e.retryAt = time.Time{}
	return true
}

// Healthy reports whether a usable set is cached for kind.
func (c *KeyCache) Healthy(kind Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[kind]
	if !ok || e.set == nil {
		return false
	}
	return c.maxStale == 0 || c.clock.Since(e.set.FetchedAt) <= c.maxStale
}

func (c *KeyCache) stale(kind Kind, set *KeySet, cause error) (*KeySet, error) {
	if set == nil {
		return nil, autherr.Wrap(autherr.ErrProviderUnavailable, cause)
	}
	age := c.clock.Since(set.FetchedAt)
	if c.maxStale > 0 && age > c.maxStale {
		return nil, autherr.Wrap(autherr.ErrProviderUnavailable, fmt.Errorf("cached keys are %s old: %w", age.Round(time.Second), cause))
	}
	metrics.JWKSFetches.WithLabelValues(string(kind), "stale").Inc()
	logger.Warnf("jwks for %s unavailable, serving keys fetched %s ago: %v", kind, age.Round(time.Second), cause)
	cp := *set
	cp.Stale = true
	return &cp, nil
}

func (c *KeyCache) refresh(ctx context.Context, kind Kind, locate JWKSLocator) (*KeySet, error) {
	set, err := c.load(ctx, locate)
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[kind]
	if err != nil {
		metrics.JWKSFetches.WithLabelValues(string(kind), "error").Inc()
		if e != nil {
			e.retryAt = c.clock.Now().Add(c.minRefetch)
		}
		return nil, err
	}
	if e != nil {
		e.set = set
		e.forced = false
		e.retryAt = time.Time{}
	}
	metrics.JWKSFetches.WithLabelValues(string(kind), "ok").Inc()
	logger.Debugf("jwks for %s refreshed: %d signing keys", kind, len(set.Keys))
	return set, nil
}

func (c *KeyCache) load(ctx context.Context, locate JWKSLocator) (*KeySet, error) {
	uri, err := locate(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := c.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	set := &KeySet{Keys: make(map[string]jose.JSONWebKey, len(raw.Keys)), FetchedAt: c.clock.Now()}
	for _, k := range raw.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.IsPublic() {
			continue
		}
		set.Keys[k.KeyID] = k
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("jwks at %s has no signing keys", uri)
	}
	return set, nil
}

// fetch GETs the key set, retrying once on transport errors and 5xx responses.
func (c *KeyCache) fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	op := func() (*jose.JSONWebKeySet, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("jwks endpoint returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
		}
		var set jose.JSONWebKeySet
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("decode jwks: %w", err))
		}
		return &set, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(200*time.Millisecond)),
		backoff.WithMaxTries(2),
	)
}
