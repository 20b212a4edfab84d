// ABOUTME: Visitor identity: a persisted user id and a per-lifetime session id
// ABOUTME: The user id survives restarts until the store is cleared

package visitor

import (
	"context"

	"github.com/google/uuid"

	"github.com/2389/abkit/internal/kv"
)

// UserIDKey is the store key holding the persisted user id
const UserIDKey = "user_id"

// Identity names the visitor for analytics.
// SessionID is regenerated for every engine lifetime and never persisted.
type Identity struct {
	UserID    string
	SessionID string
}

// Resolve returns the user id persisted in store, generating and persisting
// one (without expiry) on first use, together with a fresh session id.
// If the store is unavailable the generated id lives only for this lifetime.
func Resolve(ctx context.Context, store *kv.Store) Identity {
	var userID string
	if !store.Get(ctx, UserIDKey, &userID) || userID == "" {
		userID = uuid.NewString()
		store.Set(ctx, UserIDKey, userID)
	}
	return Identity{
		UserID:    userID,
		SessionID: uuid.NewString(),
	}
}

// Adopt persists a caller-supplied user id (for example from a signed token)
// and returns an Identity with a fresh session id.
func Adopt(ctx context.Context, store *kv.Store, userID string) Identity {
	var existing string
	if !store.Get(ctx, UserIDKey, &existing) || existing != userID {
		store.Set(ctx, UserIDKey, userID)
	}
	return Identity{
		UserID:    userID,
		SessionID: uuid.NewString(),
	}
}
