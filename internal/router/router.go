// Package router wires the gateway's HTTP surface: global middleware,
// selective bearer authentication, and every /v1/* route.
//
// Grounded on the teacher's internal/router/router.go global-middleware-
// then-route-groups shape, generalized from the RAG backend's /api/*
// surface to the gateway's /v1/* surface and from Firebase/internal-token
// auth to the capability-token/credential auth strategy pair.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nillion-oss/nilai-gateway/internal/attestation"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/enrichment"
	"github.com/nillion-oss/nilai-gateway/internal/handler"
	"github.com/nillion-oss/nilai-gateway/internal/keystore"
	"github.com/nillion-oss/nilai-gateway/internal/middleware"
	"github.com/nillion-oss/nilai-gateway/internal/orchestrator"
	"github.com/nillion-oss/nilai-gateway/internal/querylog"
	"github.com/nillion-oss/nilai-gateway/internal/registry"
)

// Dependencies holds every service the router wires into a route.
type Dependencies struct {
	Strategy     auth.Strategy
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Keystore     *keystore.Keystore
	Logs         *querylog.Repo
	Vault        *enrichment.HTTPVaultClient
	Attestation  *attestation.Client

	CORSOrigins           []string
	RequestSizeLimitBytes int64
	RequestTimeout        time.Duration

	Metrics    *middleware.Metrics
	MetricsReg *prometheus.Registry
}

// New builds the chi router. Bearer authentication guards every /v1/*
// route except /v1/public_key and /v1/health, matching spec.md §6; /healthz
// and /readyz sit outside /v1 entirely and are never authenticated.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.CORSOrigins))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}
	if deps.RequestSizeLimitBytes > 0 {
		r.Use(middleware.SizeLimit(deps.RequestSizeLimitBytes))
	}

	r.Get("/healthz", handler.Healthz())
	r.Get("/readyz", handler.Readyz(deps.Registry))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/public_key", handler.PublicKey(deps.Keystore))
		r.Get("/health", handler.V1Health())

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(deps.Strategy))

			// Chat completions can legitimately stream past the default
			// request timeout, so it alone runs without the Timeout wrapper —
			// the orchestrator still honors client disconnect via context.
			r.Post("/chat/completions", handler.Chat(deps.Orchestrator))

			r.Group(func(r chi.Router) {
				if deps.RequestTimeout > 0 {
					r.Use(middleware.Timeout(deps.RequestTimeout))
				}
				r.Get("/models", handler.Models(deps.Registry))
				r.Get("/usage", handler.Usage(deps.Logs))
				r.Get("/attestation/report", handler.Attestation(deps.Attestation, deps.Keystore))
				r.Get("/delegation", handler.Delegation(deps.Vault))
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"message": "route not found", "type": "invalid_request_error"},
		})
	})

	return r
}
