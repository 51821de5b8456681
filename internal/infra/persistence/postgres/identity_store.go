package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kestrelpay/onramp/internal/domain/identitystore"
)

// IdentityStore persists user identities keyed by unique email.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore constructs an IdentityStore backed by the provided pool.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

const (
	// ensureIdentitySQL inserts-or-reads in one statement. When the insert is
	// suppressed by the unique email constraint, the second branch reads the
	// winning row inside the same snapshot, so concurrent first callers all
	// receive the same id without an insert-then-select race.
	ensureIdentitySQL = `
WITH ins AS (
    INSERT INTO users (id, email, created_at, updated_at)
    VALUES (@id, @email, NOW(), NOW())
    ON CONFLICT (email) DO NOTHING
    RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM users WHERE email = @email
LIMIT 1;
`

	identitySelectSQL = `
SELECT id, email, created_at, updated_at
FROM users
WHERE id = $1;
`
)

// EnsureIdentity resolves the identity stored under email, inserting the
// candidate id when no row exists. Exactly one row is ever created per email
// regardless of concurrency; zero returned rows violates the contract and is
// surfaced as an error.
func (s *IdentityStore) EnsureIdentity(ctx context.Context, candidate uuid.UUID, email string) (uuid.UUID, error) {
	if s.pool == nil {
		return uuid.Nil, fmt.Errorf("identity store: nil pool")
	}
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if trimmed == "" {
		return uuid.Nil, fmt.Errorf("identity store: email required")
	}
	if candidate == uuid.Nil {
		return uuid.Nil, fmt.Errorf("identity store: candidate id required")
	}

	args := pgx.NamedArgs{
		"id":    candidate,
		"email": trimmed,
	}
	var resolved uuid.UUID
	if err := s.pool.QueryRow(ctx, ensureIdentitySQL, args).Scan(&resolved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("identity store: insert-or-read yielded no row for %s", trimmed)
		}
		return uuid.Nil, fmt.Errorf("identity store: ensure identity: %w", err)
	}
	return resolved, nil
}

// GetIdentity fetches an identity by id.
func (s *IdentityStore) GetIdentity(ctx context.Context, id uuid.UUID) (identitystore.Identity, bool, error) {
	if s.pool == nil {
		return identitystore.Identity{}, false, fmt.Errorf("identity store: nil pool")
	}
	var identity identitystore.Identity
	err := s.pool.QueryRow(ctx, identitySelectSQL, id).Scan(
		&identity.ID,
		&identity.Email,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identitystore.Identity{}, false, nil
		}
		return identitystore.Identity{}, false, fmt.Errorf("identity store: get identity: %w", err)
	}
	return identity, true, nil
}
