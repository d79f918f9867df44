package tenant

import (
	"context"
	"errors"
	"strings"
)

type contextKey string

const storeContextKey contextKey = "store.id"

// ErrMissing indicates no store scope was attached to the context. Every
// core operation runs inside a store scope produced by the host's tenant
// resolution.
var ErrMissing = errors.New("tenant: store scope missing")

// With stores the store identifier into the provided context.
func With(ctx context.Context, storeID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, storeContextKey, storeID)
}

// From extracts the store identifier from the context if available.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	storeID, ok := ctx.Value(storeContextKey).(string)
	if !ok {
		return "", false
	}
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return "", false
	}
	return storeID, true
}

// Require extracts the store identifier or fails with ErrMissing.
func Require(ctx context.Context) (string, error) {
	storeID, ok := From(ctx)
	if !ok {
		return "", ErrMissing
	}
	return storeID, nil
}

// PrefixKey creates a namespaced cache/queue key per store slug or id.
func PrefixKey(storeSlugOrID, key string) string {
	if storeSlugOrID == "" {
		return key
	}
	return storeSlugOrID + ":" + key
}
