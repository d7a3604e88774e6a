package users

import (
	"context"
	"errors"

	"github.com/hewjoe/storied-life/internal/models"
)

// ErrConflict is returned when a concurrent write won the race for the same
// row or unique key. Callers retry the whole Sync.
var ErrConflict = errors.New("users: concurrent modification")

// Lookup identifies the candidates for one synchronization.
type Lookup struct {
	Provider   string
	ExternalID string
	// Email is lower-cased; empty skips the email candidate.
	Email string
}

// ApplyFunc receives the user found by external id and the user found by email
// (either may be nil, both may be the same record) and returns the record to
// persist. An error aborts the write.
type ApplyFunc func(byExternal, byEmail *models.User) (*models.User, error)

// Repository defines persistence operations for users
type Repository interface {
	// GetByID returns nil, nil when the user does not exist.
	GetByID(ctx context.Context, id string) (*models.User, error)
	// Sync loads both candidates, calls apply and persists its result as one
	// serialized unit per row. The returned user is the persisted record.
	Sync(ctx context.Context, l Lookup, apply ApplyFunc) (*models.User, error)
}

// existing picks the stored row apply's result replaces, if any.
func existing(byExternal, byEmail *models.User) *models.User {
	if byExternal != nil {
		return byExternal
	}
	return byEmail
}
