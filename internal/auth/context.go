package auth

import "context"

type contextKey struct{ name string }

var authContextKey = &contextKey{name: "auth-context"}

// WithContext returns a context carrying authCtx, retrievable via FromContext.
func WithContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// FromContext retrieves the AuthContext a preceding authentication
// middleware stored on the request context.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	authCtx, ok := ctx.Value(authContextKey).(*AuthContext)
	return authCtx, ok
}
