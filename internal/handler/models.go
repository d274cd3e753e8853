package handler

import (
	"encoding/json"
	"net/http"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/registry"
)

// Models handles GET /v1/models: the full set of registered model
// instances, deduplicated by model ID since the registry holds one entry
// per replica instance.
func Models(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoints, err := reg.Discover(r.Context(), "", "")
		if err != nil {
			apierror.WriteJSON(w, apierror.Upstream("registry unavailable", err))
			return
		}

		seen := make(map[string]bool, len(endpoints))
		models := make([]registry.ModelMetadata, 0, len(endpoints))
		for _, ep := range endpoints {
			if seen[ep.Metadata.ID] {
				continue
			}
			seen[ep.Metadata.ID] = true
			models = append(models, ep.Metadata)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(models)
	}
}
