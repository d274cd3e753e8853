package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/registry"
)

func TestModels_DeduplicatesByID(t *testing.T) {
	reg := testRegistry(t)
	ctx := context.Background()

	meta := registry.ModelMetadata{ID: "llama-3-70b", Name: "Llama 3 70B"}
	if err := reg.Register(ctx, registry.ModelEndpoint{
		URL: "http://a:8000", InstanceID: "a", Metadata: meta,
	}, 30*time.Second); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := reg.Register(ctx, registry.ModelEndpoint{
		URL: "http://b:8000", InstanceID: "b", Metadata: meta,
	}, 30*time.Second); err != nil {
		t.Fatalf("Register b: %v", err)
	}

	rec := httptest.NewRecorder()
	Models(reg)(rec, httptest.NewRequest("GET", "/v1/models", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var models []registry.ModelMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil {
		t.Fatalf("decode: %v", err)
	}
	count := 0
	for _, m := range models {
		if m.ID == "llama-3-70b" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("got %d entries for llama-3-70b, want 1 (deduplicated)", count)
	}
}
