package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/keystore"
	"github.com/nillion-oss/nilai-gateway/internal/registry"
)

type rejectAllStrategy struct{}

func (rejectAllStrategy) Resolve(ctx context.Context, bearer string) (*auth.AuthContext, error) {
	return nil, apierror.Unauthorized("no credential presented")
}

func testDeps(t *testing.T) *Dependencies {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	dir := t.TempDir()
	ks, err := keystore.Load(filepath.Join(dir, "k"), filepath.Join(dir, "k.lock"))
	if err != nil {
		t.Fatalf("keystore.Load: %v", err)
	}

	return &Dependencies{
		Strategy:    rejectAllStrategy{},
		Registry:    registry.New(rdb),
		Keystore:    ks,
		CORSOrigins: []string{"https://ragbox.co"},
	}
}

func TestRouter_PublicKeyAndHealthBypassAuth(t *testing.T) {
	deps := testDeps(t)
	mux := New(deps)

	for _, path := range []string{"/v1/public_key", "/v1/health", "/healthz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code == http.StatusUnauthorized {
			t.Errorf("%s returned 401, want it to bypass auth", path)
		}
	}
}

func TestRouter_ModelsRequiresAuth(t *testing.T) {
	deps := testDeps(t)
	mux := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a bearer credential", rec.Code)
	}
}

func TestRouter_UnknownRouteReturns404JSON(t *testing.T) {
	deps := testDeps(t)
	mux := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}
