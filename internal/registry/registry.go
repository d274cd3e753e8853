// Package registry maintains an eventually-consistent view of backend
// inference endpoints via TTL-leased registrations in the shared Redis
// store, the Go analogue of the Python reference's Redis-backed discovery
// module. Deterministic replica selection among endpoints for a model uses
// rendezvous hashing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get and read-path lookups on a registry miss.
var ErrNotFound = fmt.Errorf("registry: endpoint not found")

// ModelMetadata describes an announced backend's declared capabilities.
type ModelMetadata struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	SupportsTools      bool     `json:"supports_tools"`
	SupportsMultimodal bool     `json:"supports_multimodal"`
	Features           []string `json:"features"`
}

// HasFeature reports whether the endpoint declares the given feature tag.
func (m ModelMetadata) HasFeature(feature string) bool {
	if feature == "" {
		return true
	}
	for _, f := range m.Features {
		if strings.EqualFold(f, feature) {
			return true
		}
	}
	return false
}

// ModelEndpoint is a registered backend, keyed by its model id and owned by
// the process that announced it.
type ModelEndpoint struct {
	URL      string        `json:"url"`
	Metadata ModelMetadata `json:"metadata"`
	// InstanceID disambiguates multiple replicas registered under the same
	// model id; it is not part of the wire contract clients see.
	InstanceID string `json:"instance_id"`
}

const keyPrefix = "models/"

func instanceKey(modelID, instanceID string) string {
	return keyPrefix + modelID + "/" + instanceID
}

// Registry is a Redis-backed client shared read-mostly across the process;
// a single background goroutine per registered endpoint owns lease renewal.
type Registry struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Register writes the endpoint under its model id with the given TTL lease.
func (r *Registry) Register(ctx context.Context, ep ModelEndpoint, ttl time.Duration) error {
	payload, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("registry: marshal endpoint: %w", err)
	}
	return r.rdb.Set(ctx, instanceKey(ep.Metadata.ID, ep.InstanceID), payload, ttl).Err()
}

// Unregister deletes the endpoint's lease key, used on orderly shutdown.
func (r *Registry) Unregister(ctx context.Context, modelID, instanceID string) error {
	return r.rdb.Del(ctx, instanceKey(modelID, instanceID)).Err()
}

// KeepAlive refreshes ep's lease every ttl/2 until ctx is cancelled. On any
// transport error it logs, retries with exponential backoff (multiplier 1,
// min 4s, max 10s, up to 3 attempts), and never drops the lease silently —
// the lease is simply re-registered with a fresh TTL on the next success.
func (r *Registry) KeepAlive(ctx context.Context, ep ModelEndpoint, ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.renewWithRetry(ctx, ep, ttl)
		}
	}
}

func (r *Registry) renewWithRetry(ctx context.Context, ep ModelEndpoint, ttl time.Duration) {
	backoff := 4 * time.Second
	const maxBackoff = 10 * time.Second
	const maxAttempts = 3

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.Register(ctx, ep, ttl); err != nil {
			slog.Warn("registry lease renewal failed",
				"model", ep.Metadata.ID, "instance", ep.InstanceID,
				"attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
	slog.Error("registry lease renewal exhausted retries — lease may expire",
		"model", ep.Metadata.ID, "instance", ep.InstanceID)
}

// Discover scans all registered endpoints, optionally filtering by a
// case-insensitive name substring and a required feature tag.
func (r *Registry) Discover(ctx context.Context, nameFilter, featureFilter string) ([]ModelEndpoint, error) {
	var out []ModelEndpoint
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // lease expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get during scan: %w", err)
		}
		var ep ModelEndpoint
		if err := json.Unmarshal(raw, &ep); err != nil {
			slog.Warn("registry: skipping unparseable entry", "key", iter.Val(), "err", err)
			continue
		}
		if nameFilter != "" && !strings.Contains(strings.ToLower(ep.Metadata.Name), strings.ToLower(nameFilter)) {
			continue
		}
		if !ep.Metadata.HasFeature(featureFilter) {
			continue
		}
		out = append(out, ep)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: scan: %w", err)
	}
	return out, nil
}

// Get looks up all live replicas for modelID and deterministically picks one
// via rendezvous hashing keyed on requestKey, so repeated calls for the same
// request land on the same replica while load still spreads across replicas
// for different requests. ErrNotFound is returned on a miss — callers that
// only read must not assume the key exists.
func (r *Registry) Get(ctx context.Context, modelID, requestKey string) (*ModelEndpoint, error) {
	replicas, err := r.replicasFor(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if len(replicas) == 0 {
		return nil, ErrNotFound
	}
	if len(replicas) == 1 {
		return &replicas[0], nil
	}

	names := make([]string, len(replicas))
	byName := make(map[string]ModelEndpoint, len(replicas))
	for i, ep := range replicas {
		names[i] = ep.InstanceID
		byName[ep.InstanceID] = ep
	}
	hasher := rendezvous.New(names, xxhashStr)
	chosen := hasher.Lookup(requestKey)
	ep := byName[chosen]
	return &ep, nil
}

func (r *Registry) replicasFor(ctx context.Context, modelID string) ([]ModelEndpoint, error) {
	var out []ModelEndpoint
	iter := r.rdb.Scan(ctx, 0, keyPrefix+modelID+"/*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("registry: get replica: %w", err)
		}
		var ep ModelEndpoint
		if err := json.Unmarshal(raw, &ep); err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out, iter.Err()
}

// xxhashStr adapts go-rendezvous's expected uint64 hash function to strings
// using fnv-1a, avoiding a dependency the corpus never pulled in for hashing.
func xxhashStr(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
