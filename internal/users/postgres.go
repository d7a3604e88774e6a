package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hewjoe/storied-life/internal/models"
	"github.com/lib/pq"
)

const userColumns = `id, external_id, provider, email, email_verified, username, full_name, role, active, created_at, updated_at, last_login`

const usersSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		external_id TEXT,
		provider TEXT NOT NULL DEFAULT '',
		email TEXT,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		username TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL DEFAULT 'user',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_provider_external_id ON users (provider, external_id) WHERE external_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email)) WHERE email IS NOT NULL;
`

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// PostgresRepository stores users in PostgreSQL. Sync holds row locks
// (SELECT ... FOR UPDATE) on both candidates for the whole transaction.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the users table and its unique indexes.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, usersSchema); err != nil {
		return fmt.Errorf("failed to initialize users schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) Sync(ctx context.Context, l Lookup, apply ApplyFunc) (u *models.User, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	byExternal, err := lockOne(ctx, tx,
		`SELECT `+userColumns+` FROM users WHERE provider = $1 AND external_id = $2 FOR UPDATE`,
		l.Provider, l.ExternalID)
	if err != nil {
		return nil, err
	}
	var byEmail *models.User
	if l.Email != "" {
		byEmail, err = lockOne(ctx, tx,
			`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1) FOR UPDATE`, l.Email)
		if err != nil {
			return nil, err
		}
	}

	next, err := apply(byExternal, byEmail)
	if err != nil {
		return nil, err
	}

	if prev := existing(byExternal, byEmail); prev != nil && prev.ID == next.ID {
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET external_id = $2, provider = $3, email = $4, email_verified = $5,
				username = $6, full_name = $7, role = $8, active = $9, updated_at = $10, last_login = $11
			WHERE id = $1`,
			next.ID, nullString(next.ExternalID), next.Provider, nullString(next.Email), next.EmailVerified,
			next.Username, next.FullName, string(next.Role), next.Active, next.UpdatedAt, nullTime(next),
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			next.ID, nullString(next.ExternalID), next.Provider, nullString(next.Email), next.EmailVerified,
			next.Username, next.FullName, string(next.Role), next.Active, next.CreatedAt, next.UpdatedAt, nullTime(next),
		)
	}
	if err != nil {
		return nil, translate(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, translate(err)
	}
	return next, nil
}

func lockOne(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (*models.User, error) {
	u, err := scanUser(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u          models.User
		externalID sql.NullString
		email      sql.NullString
		role       string
		lastLogin  sql.NullTime
	)
	if err := row.Scan(&u.ID, &externalID, &u.Provider, &email, &u.EmailVerified, &u.Username,
		&u.FullName, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt, &lastLogin); err != nil {
		return nil, err
	}
	u.ExternalID = externalID.String
	u.Email = email.String
	u.Role = models.Role(role)
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	return &u, nil
}

func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrConflict
	}
	return fmt.Errorf("failed to save user: %w", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(u *models.User) sql.NullTime {
	return sql.NullTime{Time: u.LastLogin, Valid: !u.LastLogin.IsZero()}
}
