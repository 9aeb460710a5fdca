package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	ownerIDKey   contextKey = "owner_id"
	keyPrefixKey contextKey = "key_prefix"
)

// SetOwnerID stores the authenticated owner on ctx.
func SetOwnerID(ctx context.Context, id uuid.UUID) context.Context {
	if h, ok := ctx.Value(ownerHolderKey).(*ownerHolder); ok {
		h.id, h.set = id, true
	}
	return context.WithValue(ctx, ownerIDKey, id)
}

// GetOwnerID returns the owner set by Authenticate.
func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(ownerIDKey).(uuid.UUID)
	return id, ok
}

// SetKeyPrefix stores the API key prefix used for rate limiting.
func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

// ownerHolder lets Logger, which wraps Authenticate, see the owner it resolved.
type ownerHolder struct {
	id  uuid.UUID
	set bool
}

const ownerHolderKey contextKey = "owner_holder"

func withOwnerHolder(ctx context.Context, h *ownerHolder) context.Context {
	return context.WithValue(ctx, ownerHolderKey, h)
}
