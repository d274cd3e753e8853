package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nillion-oss/nilai-gateway/internal/attestation"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/cache"
	"github.com/nillion-oss/nilai-gateway/internal/config"
	"github.com/nillion-oss/nilai-gateway/internal/enrichment"
	"github.com/nillion-oss/nilai-gateway/internal/gcpclient"
	"github.com/nillion-oss/nilai-gateway/internal/keystore"
	"github.com/nillion-oss/nilai-gateway/internal/metering"
	"github.com/nillion-oss/nilai-gateway/internal/middleware"
	"github.com/nillion-oss/nilai-gateway/internal/nuc"
	"github.com/nillion-oss/nilai-gateway/internal/orchestrator"
	"github.com/nillion-oss/nilai-gateway/internal/querylog"
	"github.com/nillion-oss/nilai-gateway/internal/ratelimit"
	"github.com/nillion-oss/nilai-gateway/internal/registry"
	"github.com/nillion-oss/nilai-gateway/internal/repository"
	"github.com/nillion-oss/nilai-gateway/internal/router"
	"github.com/nillion-oss/nilai-gateway/internal/toolloop"
)

const Version = "0.1.0"

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	reg := registry.New(rdb)

	ks, err := keystore.Load(cfg.SigningKeyPath, cfg.SigningKeyLockPath)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(rdb)
	logs := querylog.NewRepo(pool)
	users := repository.NewUserRepo(pool)

	credit := auth.NewHTTPCreditClient(cfg.CreditServiceURL, cfg.CreditServiceToken, users)
	strategy := auth.New(
		auth.Mode(cfg.AuthStrategy),
		credit,
		nuc.ValidateOptions{
			TrustedRootIssuers: cfg.TrustedRootIssuers,
			ServiceAudience:    cfg.ServiceAudience,
		},
		cfg.DocsBypassToken,
	)

	vault := enrichment.NewHTTPVaultClient(cfg.VaultServiceURL, cfg.CreditServiceToken)

	var embedder enrichment.QueryEmbedder
	var vecSearcher enrichment.VectorSearcher
	if cfg.EmbeddingGCPProject != "" {
		embAdapter, err := gcpclient.NewEmbeddingAdapter(ctx, cfg.EmbeddingGCPProject, cfg.EmbeddingGCPLocation, cfg.EmbeddingModel)
		if err != nil {
			return err
		}
		embedder = enrichment.NewCachedEmbedder(embAdapter, cache.NewEmbeddingCache(cache.DefaultEmbeddingTTL()))
		ragChunks := repository.NewRAGChunkRepo(pool, cfg.RAGSimilarityThreshold)
		vecSearcher = enrichment.NewCachedVectorSearcher(embedder, ragChunks, cache.New(cache.DefaultEmbeddingTTL()))
	}

	var webSearcher enrichment.SearchProvider
	var topicPlanner enrichment.TopicPlanner
	if cfg.WebSearchAPIKey != "" {
		webSearcher = enrichment.NewBraveSearchProvider(
			cfg.WebSearchAPIKey, cfg.WebSearchAPIPath, cfg.WebSearchCount,
			cfg.WebSearchCountry, cfg.WebSearchLang, cfg.WebSearchTimeout,
		)
		planningLLM := gcpclient.NewBYOLLMClient(cfg.CreditServiceToken, "", cfg.TopicPlannerModel)
		topicPlanner = enrichment.NewLLMTopicPlanner(planningLLM, cfg.TopicPlannerModel)
	}
	pageFetcher := enrichment.NewHTTPPageFetcher()

	tools := toolloop.RunRegistry{}
	if cfg.SandboxServiceURL != "" {
		tools[toolloop.ExecutePythonTool] = toolloop.NewSandboxExecutor(cfg.SandboxServiceURL)
	}

	costs := metering.CostTable(cfg.ModelCostTable)
	meteringClient := metering.New(cfg.CreditServiceURL, cfg.CreditServiceToken, costs, nil)

	orc := orchestrator.New(orchestrator.Dependencies{
		Limiter: limiter,
		RateLimits: ratelimit.UserLimits{
			Minute: cfg.RateLimits.ChatMinute, Hour: cfg.RateLimits.ChatHour,
			Day: cfg.RateLimits.ChatDay, Forever: cfg.RateLimits.ChatForever,
		},
		WebSearch: ratelimit.WebSearchConfig{
			Defaults: ratelimit.UserLimits{
				Minute: cfg.RateLimits.WebSearchMinute, Hour: cfg.RateLimits.WebSearchHour,
				Day: cfg.RateLimits.WebSearchDay, Forever: cfg.RateLimits.WebSearchForever,
			},
			GlobalRPS:          cfg.RateLimits.WebSearchRPS,
			MaxConcurrent:      cfg.DefaultConcurrentLimit,
			PerQueryConcurrent: cfg.WebSearchCount,
		},
		Registry: reg,
		Upstream: orchestrator.NewHTTPUpstreamClient(),
		Signer:   ks,
		Metering: orchestrator.NewMeteringAdapter(meteringClient),
		Logs:     logs,

		Vault:        vault,
		Embedder:     embedder,
		VecSearcher:  vecSearcher,
		TopicPlanner: topicPlanner,
		WebSearcher:  webSearcher,
		PageFetcher:  pageFetcher,
		RAGTopK:      cfg.RAGTopK,

		Tools:            tools,
		ConcurrentLimits: map[string]int{},
	})

	attestationClient := attestation.NewClient(cfg.AttestationServiceURL)

	metricsReg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(metricsReg)

	mux := router.New(&router.Dependencies{
		Strategy:     strategy,
		Orchestrator: orc,
		Registry:     reg,
		Keystore:     ks,
		Logs:         logs,
		Vault:        vault,
		Attestation:  attestationClient,

		CORSOrigins:           cfg.CORSOrigins,
		RequestSizeLimitBytes: cfg.RequestSizeLimitBytes,
		RequestTimeout:        cfg.RequestTimeout,

		Metrics:    metrics,
		MetricsReg: metricsReg,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // chat streaming can outlive any fixed write timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("nilai-gateway starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
