package common

import (
	"context"

	"github.com/canonical/testflinger-go/internal/models"
)

// AuthContext holds the identity and permissions resolved from a request's
// bearer token. Stashed in the request context by the bearer-token middleware
// so handlers never read headers directly.
type AuthContext struct {
	ClientID    string
	Role        models.Role
	Permissions *models.ClientPermissions
}

type authContextKey int

const authContextKeyValue authContextKey = 0

// WithAuthContext stores an AuthContext in the request context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKeyValue, ac)
}

// AuthContextFromContext retrieves the AuthContext from context, or nil if
// the request carried no valid bearer token.
func AuthContextFromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKeyValue).(*AuthContext)
	return ac
}

// RequireRole reports whether the request's auth context meets the given
// minimum role. A nil context (no token) never satisfies any requirement.
func RequireRole(ctx context.Context, min models.Role) bool {
	ac := AuthContextFromContext(ctx)
	if ac == nil {
		return false
	}
	return ac.Role.AtLeast(min)
}

// ClientIDFromContext returns the authenticated client id, or "" if absent.
func ClientIDFromContext(ctx context.Context) string {
	if ac := AuthContextFromContext(ctx); ac != nil {
		return ac.ClientID
	}
	return ""
}
