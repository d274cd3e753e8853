package middleware

import (
	"net/http"
	"strings"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
)

// Authenticate resolves the bearer credential via the configured auth
// strategy and stores the resulting AuthContext on the request context,
// matching spec.md §6's "Bearer auth on all /v1/* except /v1/public_key,
// /v1/health" rule.
func Authenticate(strategy auth.Strategy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := extractBearer(r.Header.Get("Authorization"))
			authCtx, err := strategy.Resolve(r.Context(), bearer)
			if err != nil {
				apierror.WriteJSON(w, apierror.From(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), authCtx)))
		})
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return header
}
