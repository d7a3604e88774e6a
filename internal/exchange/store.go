package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// State is everything the callback needs that must not travel through the
// browser. It is keyed by Value and consumed exactly once.
type State struct {
	Value     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	Nonce     string    `json:"nonce"`
	ReturnTo  string    `json:"returnTo,omitempty"`
	Provider  oidc.Kind `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists pending states. Consume must remove and return the state in
// one atomic step; a missing, expired or already consumed state is nil, nil.
type Store interface {
	Save(ctx context.Context, s *State, ttl time.Duration) error
	Consume(ctx context.Context, value string) (*State, error)
}

var errDuplicateState = errors.New("exchange: state value already pending")

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
	clock  clockwork.Clock
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{states: map[string]State{}, clock: clock}
}

func (m *MemoryStore) Save(ctx context.Context, s *State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	for k, v := range m.states {
		if !now.Before(v.ExpiresAt) {
			delete(m.states, k)
		}
	}
	if _, ok := m.states[s.Value]; ok {
		return errDuplicateState
	}
	cp := *s
	cp.ExpiresAt = now.Add(ttl)
	m.states[s.Value] = cp
	return nil
}

func (m *MemoryStore) Consume(ctx context.Context, value string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[value]
	if !ok {
		return nil, nil
	}
	delete(m.states, value)
	if !m.clock.Now().Before(s.ExpiresAt) {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// RedisStore keeps states in Redis so any instance can complete a login.
// Consume is a single GETDEL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "exchange:state:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Save(ctx context.Context, s *State, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+s.Value, b, ttl).Result()
	if err != nil {
		return fmt.Errorf("save exchange state: %w", err)
	}
	if !ok {
		return errDuplicateState
	}
	return nil
}

func (r *RedisStore) Consume(ctx context.Context, value string) (*State, error) {
	b, err := r.client.GetDel(ctx, r.prefix+value).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("consume exchange state: %w", err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode exchange state: %w", err)
	}
	return &s, nil
}
