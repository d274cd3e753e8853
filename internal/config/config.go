// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitDefaults holds the process-wide fallback limits applied when a
// user's own rate_limits row does not set a value for a given bucket.
type RateLimitDefaults struct {
	ChatMinute  int
	ChatHour    int
	ChatDay     int
	ChatForever int

	WebSearchMinute  int
	WebSearchHour    int
	WebSearchDay     int
	WebSearchForever int
	WebSearchRPS     int
}

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int
	RedisURL         string

	AuthStrategy       string // "api_key" | "nuc"
	TrustedRootIssuers []string
	ServiceAudience    string
	SigningKeyPath     string
	SigningKeyLockPath string
	DocsBypassToken    string

	CreditServiceURL      string
	CreditServiceToken    string
	VaultServiceURL       string
	AttestationServiceURL string
	SandboxServiceURL     string

	WebSearchAPIKey  string
	WebSearchAPIPath string
	WebSearchCount   int
	WebSearchCountry string
	WebSearchLang    string
	WebSearchTimeout time.Duration

	TopicPlannerModel string

	// Vertex AI text embedding, reached over its REST API with the
	// process's default GCP credentials — backs nilRAG query embedding.
	EmbeddingGCPProject  string
	EmbeddingGCPLocation string
	EmbeddingModel       string
	RAGSimilarityThreshold float64
	RAGTopK                int

	CORSOrigins           []string
	RequestSizeLimitBytes int64
	RequestTimeout        time.Duration

	RateLimits RateLimitDefaults

	RegistryLeaseTTL time.Duration

	InternalAuthSecret string

	DefaultConcurrentLimit int

	// ModelCostTable maps a model name to its per-unit metering cost; "default"
	// is the fallback for unlisted models. Parsed from a "model=cost,..." list.
	ModelCostTable map[string]float64
}

// Load reads configuration from environment variables.
// Required variables (DATABASE_URL, REDIS_URL) cause an error if missing.
// Optional variables use sensible defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("config.Load: REDIS_URL is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		RedisURL:         redisURL,

		AuthStrategy:       envStr("AUTH_STRATEGY", "nuc"),
		TrustedRootIssuers: envList("TRUSTED_ROOT_ISSUERS", nil),
		ServiceAudience:    envStr("SERVICE_AUDIENCE", ""),
		SigningKeyPath:     envStr("SIGNING_KEY_PATH", "./data/private_key.key"),
		SigningKeyLockPath: envStr("SIGNING_KEY_LOCK_PATH", "./data/private_key.key.lock"),
		DocsBypassToken:    envStr("DOCS_BYPASS_TOKEN", ""),

		CreditServiceURL:      envStr("CREDIT_SERVICE_URL", ""),
		CreditServiceToken:    envStr("CREDIT_SERVICE_TOKEN", ""),
		VaultServiceURL:       envStr("VAULT_SERVICE_URL", ""),
		AttestationServiceURL: envStr("ATTESTATION_SERVICE_URL", ""),
		SandboxServiceURL:     envStr("SANDBOX_SERVICE_URL", ""),

		WebSearchAPIKey:  envStr("BRAVE_SEARCH_API_KEY", ""),
		WebSearchAPIPath: envStr("WEB_SEARCH_API_PATH", "https://api.search.brave.com/res/v1/web/search"),
		WebSearchCount:   envInt("WEB_SEARCH_COUNT", 5),
		WebSearchCountry: envStr("WEB_SEARCH_COUNTRY", "us"),
		WebSearchLang:    envStr("WEB_SEARCH_LANG", "en"),
		WebSearchTimeout: envDuration("WEB_SEARCH_TIMEOUT", 10*time.Second),

		TopicPlannerModel: envStr("TOPIC_PLANNER_MODEL", "openai/gpt-4o-mini"),

		EmbeddingGCPProject:    envStr("EMBEDDING_GCP_PROJECT", ""),
		EmbeddingGCPLocation:   envStr("EMBEDDING_GCP_LOCATION", "us-central1"),
		EmbeddingModel:         envStr("EMBEDDING_MODEL", "text-embedding-004"),
		RAGSimilarityThreshold: envFloat("RAG_SIMILARITY_THRESHOLD", 0.35),
		RAGTopK:                envInt("RAG_TOP_K", 2),

		CORSOrigins:           envList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		RequestSizeLimitBytes: int64(envInt("REQUEST_SIZE_LIMIT_BYTES", 10*1024*1024)),
		RequestTimeout:        envDuration("REQUEST_TIMEOUT", 60*time.Second),

		RateLimits: RateLimitDefaults{
			ChatMinute:       envInt("RATE_LIMIT_CHAT_MINUTE", 30),
			ChatHour:         envInt("RATE_LIMIT_CHAT_HOUR", 500),
			ChatDay:          envInt("RATE_LIMIT_CHAT_DAY", 5000),
			ChatForever:      envInt("RATE_LIMIT_CHAT_FOREVER", 0),
			WebSearchMinute:  envInt("RATE_LIMIT_WEB_SEARCH_MINUTE", 5),
			WebSearchHour:    envInt("RATE_LIMIT_WEB_SEARCH_HOUR", 50),
			WebSearchDay:     envInt("RATE_LIMIT_WEB_SEARCH_DAY", 200),
			WebSearchForever: envInt("RATE_LIMIT_WEB_SEARCH_FOREVER", 0),
			WebSearchRPS:     envInt("RATE_LIMIT_WEB_SEARCH_RPS", 5),
		},

		RegistryLeaseTTL: envDuration("REGISTRY_LEASE_TTL", 60*time.Second),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),

		DefaultConcurrentLimit: envInt("DEFAULT_CONCURRENT_LIMIT", 50),

		ModelCostTable: envCostTable("MODEL_COST_TABLE", map[string]float64{"default": 2.0}),
	}

	if cfg.AuthStrategy != "api_key" && cfg.AuthStrategy != "nuc" {
		return nil, fmt.Errorf("config.Load: AUTH_STRATEGY must be 'api_key' or 'nuc', got %q", cfg.AuthStrategy)
	}

	// Internal auth secret is required in non-development environments.
	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envCostTable parses a "model=cost,model2=cost2" list into a cost table.
func envCostTable(key string, fallback map[string]float64) map[string]float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		cost, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(parts[0])] = cost
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
