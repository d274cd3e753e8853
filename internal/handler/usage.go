package handler

import (
	"encoding/json"
	"net/http"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/querylog"
)

// Usage handles GET /v1/usage: aggregate token counts for the caller,
// computed via a single server-side SUM query over the query log.
func Usage(logs *querylog.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx, ok := auth.FromContext(r.Context())
		if !ok {
			apierror.WriteJSON(w, apierror.Unauthorized("missing authentication context"))
			return
		}

		totals, err := logs.SumUsage(r.Context(), authCtx.User.UserID)
		if err != nil {
			apierror.WriteJSON(w, apierror.Internal("failed to compute usage", err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(totals)
	}
}
