package users

import (
	"context"
	"strings"
	"sync"

	"github.com/hewjoe/storied-life/internal/models"
)

// MemoryRepository is an in-process Repository for development and tests.
// One mutex serializes every Sync, which is the row lock of a single-node store.
type MemoryRepository struct {
	mu    sync.Mutex
	users map[string]models.User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: map[string]models.User{}}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r *MemoryRepository) Sync(ctx context.Context, l Lookup, apply ApplyFunc) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var byExternal, byEmail *models.User
	for _, u := range r.users {
		u := u
		if l.ExternalID != "" && u.Provider == l.Provider && u.ExternalID == l.ExternalID {
			byExternal = &u
		}
		if l.Email != "" && strings.EqualFold(u.Email, l.Email) {
			byEmail = &u
		}
	}

	next, err := apply(byExternal, byEmail)
	if err != nil {
		return nil, err
	}
	for id, u := range r.users {
		if id == next.ID {
			continue
		}
		if next.Email != "" && strings.EqualFold(u.Email, next.Email) {
			return nil, ErrConflict
		}
		if next.ExternalID != "" && u.Provider == next.Provider && u.ExternalID == next.ExternalID {
			return nil, ErrConflict
		}
	}
	r.users[next.ID] = *next
	out := *next
	return &out, nil
}

// Put stores u as is, bypassing synchronization. It seeds legacy or
// deactivated accounts.
func (r *MemoryRepository) Put(u models.User) {
	r.mu.Lock()
	r.users[u.ID] = u
	r.mu.Unlock()
}

func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
