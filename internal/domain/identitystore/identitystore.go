// Package identitystore defines persistence contracts for user identities.
package identitystore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Identity is a user record, authenticated or anonymous. Email is the unique
// key; the sentinel anonymous email maps to exactly one identity.
type Identity struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable repository of identities.
type Store interface {
	// EnsureIdentity inserts an identity with the candidate id if no row
	// exists for email, otherwise returns the existing row's id. The
	// insert-or-read must execute as one atomic statement so that concurrent
	// first callers all resolve to the same identity.
	EnsureIdentity(ctx context.Context, candidate uuid.UUID, email string) (uuid.UUID, error)
	// GetIdentity fetches an identity by id. The boolean reports presence.
	GetIdentity(ctx context.Context, id uuid.UUID) (Identity, bool, error)
}
