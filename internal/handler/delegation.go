package handler

import (
	"encoding/json"
	"net/http"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/enrichment"
)

// Delegation handles GET /v1/delegation?prompt_delegation_request={did}: a
// short-lived delegation token letting the given DID write a prompt
// document on behalf of the service.
func Delegation(vault *enrichment.HTTPVaultClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did := r.URL.Query().Get("prompt_delegation_request")
		if did == "" {
			apierror.WriteJSON(w, apierror.BadRequest("prompt_delegation_request is required"))
			return
		}

		delegation, err := vault.IssueDelegation(r.Context(), did)
		if err != nil {
			apierror.WriteJSON(w, apierror.Upstream("vault delegation failed", err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(delegation)
	}
}
