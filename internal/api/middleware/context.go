package middleware

import (
	"context"
	"net/http"

	"github.com/renderloop/renderd/pkg/models"
)

type contextKey string

const (
	ownerKey     contextKey = "owner_urn"
	keyPrefixKey contextKey = "key_prefix"
	scopesKey    contextKey = "api_key_scopes"
)

// SetOwner stores the authenticated owner URN. Exported so handler tests
// can build authenticated requests without running the auth middleware.
func SetOwner(ctx context.Context, owner models.OwnerURN) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

func GetOwner(r *http.Request) (models.OwnerURN, bool) {
	owner, ok := r.Context().Value(ownerKey).(models.OwnerURN)
	return owner, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(scopesKey).([]string)
	return scopes
}
