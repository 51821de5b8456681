// Package identity resolves the acting identity for order operations.
package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kestrelpay/onramp/errs"
	"github.com/kestrelpay/onramp/internal/domain/identitystore"
	"github.com/kestrelpay/onramp/internal/observability"
)

// DefaultAnonymousEmail is the sentinel key under which the shared anonymous
// identity is stored.
const DefaultAnonymousEmail = "anonymous@onramp.invalid"

const component = "identity resolver"

// Resolver maps callers to durable identities. Unauthenticated callers all
// share one anonymous identity, created at most once for the lifetime of the
// system; the resolved id is memoised for the remainder of the process.
type Resolver struct {
	store identitystore.Store
	email string

	mu     sync.RWMutex
	cached uuid.UUID
}

// NewResolver constructs a Resolver over the identity store. An empty email
// falls back to DefaultAnonymousEmail.
func NewResolver(store identitystore.Store, email string) *Resolver {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		trimmed = DefaultAnonymousEmail
	}
	return &Resolver{store: store, email: trimmed}
}

// Acting resolves the identity a request operates as: the caller's
// authenticated identity when present, otherwise the shared anonymous one.
func (r *Resolver) Acting(ctx context.Context, caller *uuid.UUID) (uuid.UUID, error) {
	if caller != nil && *caller != uuid.Nil {
		return *caller, nil
	}
	return r.ResolveAnonymous(ctx)
}

// ResolveAnonymous returns the shared anonymous identity id, creating the row
// on first use. Safe under unlimited concurrent invocation: duplicate
// in-flight resolutions are de-duplicated by the store's atomic
// insert-or-read, so the cache needs no lock beyond safe initialisation.
func (r *Resolver) ResolveAnonymous(ctx context.Context) (uuid.UUID, error) {
	r.mu.RLock()
	cached := r.cached
	r.mu.RUnlock()
	if cached != uuid.Nil {
		observability.RecordIdentityResolution(ctx, "cache")
		return cached, nil
	}

	resolved, err := r.store.EnsureIdentity(ctx, uuid.New(), r.email)
	if err != nil {
		return uuid.Nil, errs.New(component, errs.CodeIdentityResolution,
			errs.WithMessage("resolve anonymous identity"),
			errs.WithCause(err))
	}
	if resolved == uuid.Nil {
		// Zero rows from the atomic insert-or-read violates the store
		// contract; never fabricate an identity in its place.
		return uuid.Nil, errs.New(component, errs.CodeIdentityResolution,
			errs.WithMessage("identity store returned no row for anonymous email"))
	}

	r.mu.Lock()
	if r.cached == uuid.Nil {
		r.cached = resolved
	}
	resolved = r.cached
	r.mu.Unlock()

	observability.RecordIdentityResolution(ctx, "store")
	return resolved, nil
}
