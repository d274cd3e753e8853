package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/registry"
)

var processStart = time.Now()

// Healthz handles GET /healthz: liveness, 200 with uptime, no dependency
// checks — per spec.md §4.9 it must never touch the registry or the DB.
func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"uptime": time.Since(processStart).String(),
		})
	}
}

// V1Health handles GET /v1/health.
func V1Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"uptime": time.Since(processStart).String(),
		})
	}
}

// Readyz handles GET /readyz: 503 if the registry has zero endpoints or
// state access fails, 200 otherwise.
func Readyz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		checks := map[string]string{}
		ready := true

		endpoints, err := reg.Discover(ctx, "", "")
		switch {
		case err != nil:
			checks["registry"] = "unreachable: " + err.Error()
			ready = false
		case len(endpoints) == 0:
			checks["registry"] = "no registered model endpoints"
			ready = false
		default:
			checks["registry"] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "not_ready", "checks": checks})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"status": "ready", "checks": checks})
	}
}
