package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRegistry(t *testing.T) *Registry {
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
	return New(rdb)
}

func TestRegisterDiscoverGet(t *testing.T) {
	reg := testRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ep := ModelEndpoint{
		URL:        "http://backend-a:8000",
		InstanceID: "instance-a",
		Metadata: ModelMetadata{
			ID:            "llama-3-70b",
			Name:          "Llama 3 70B",
			SupportsTools: true,
			Features:      []string{"chat"},
		},
	}
	if err := reg.Register(ctx, ep, 5*time.Second); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer reg.Unregister(ctx, ep.Metadata.ID, ep.InstanceID)

	found, err := reg.Discover(ctx, "llama", "chat")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) == 0 {
		t.Fatalf("Discover returned no endpoints")
	}

	got, err := reg.Get(ctx, ep.Metadata.ID, "request-key-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != ep.URL {
		t.Errorf("Get URL = %q, want %q", got.URL, ep.URL)
	}
}

func TestGetNotFound(t *testing.T) {
	reg := testRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := reg.Get(ctx, "does-not-exist", "k")
	if err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGetIsDeterministicAcrossReplicas(t *testing.T) {
	reg := testRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	model := "multi-replica-model"
	eps := []ModelEndpoint{
		{URL: "http://a", InstanceID: "a", Metadata: ModelMetadata{ID: model}},
		{URL: "http://b", InstanceID: "b", Metadata: ModelMetadata{ID: model}},
		{URL: "http://c", InstanceID: "c", Metadata: ModelMetadata{ID: model}},
	}
	for _, ep := range eps {
		if err := reg.Register(ctx, ep, 5*time.Second); err != nil {
			t.Fatalf("Register: %v", err)
		}
		defer reg.Unregister(ctx, model, ep.InstanceID)
	}

	first, err := reg.Get(ctx, model, "same-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := reg.Get(ctx, model, "same-key")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if again.InstanceID != first.InstanceID {
			t.Fatalf("Get() not deterministic for same request key: %s vs %s", again.InstanceID, first.InstanceID)
		}
	}
}
