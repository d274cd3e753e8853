package nuc

import (
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/keystore"
)

// principalKey wraps a generated keystore for use as one chain link's signer.
type principalKey struct {
	ks *keystore.Keystore
}

func newPrincipal(t *testing.T) principalKey {
	t.Helper()
	dir := t.TempDir()
	ks, err := keystore.Load(filepath.Join(dir, "k"), filepath.Join(dir, "k.lock"))
	if err != nil {
		t.Fatalf("keystore.Load: %v", err)
	}
	return principalKey{ks: ks}
}

func (p principalKey) hex() string { return p.ks.PublicKeyHex() }

// buildSegment signs one wireNode with signer's key and returns the
// "<body>.<sig>" segment string.
func buildSegment(t *testing.T, signer principalKey, issuer, subject, audience principalKey, cmd string, expiresAt time.Time, meta map[string]any) string {
	t.Helper()
	body := wireNode{
		Issuer:    issuer.hex(),
		Subject:   subject.hex(),
		Audience:  audience.hex(),
		Command:   cmd,
		ExpiresAt: expiresAt.Unix(),
		Meta:      meta,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal wireNode: %v", err)
	}
	sig := signer.ks.Sign(raw)
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestParseValidChain(t *testing.T) {
	root, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	rootSeg := buildSegment(t, root, root, holder, root, BaseCommand, exp, nil)
	invSeg := buildSegment(t, root, root, holder, service, BaseCommand+"/chat", exp, nil)

	chain, err := Parse(rootSeg + "/" + invSeg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chain.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(chain.Nodes))
	}

	if err := Validate(chain, ValidateOptions{ServiceAudience: service.hex()}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	sub, user := Principals(chain)
	if sub.PublicKeyHex != holder.hex() {
		t.Errorf("subscription holder = %s, want %s", sub.PublicKeyHex, holder.hex())
	}
	if user.PublicKeyHex != root.hex() {
		t.Errorf("user = %s, want %s", user.PublicKeyHex, root.hex())
	}
}

func TestParseRejectsBrokenAudienceChain(t *testing.T) {
	root, holder, other, service := newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	rootSeg := buildSegment(t, root, root, holder, root, BaseCommand, exp, nil) // audience = root (self)
	// invocation issuer doesn't match root's audience (should be "root", but use "other")
	invSeg := buildSegment(t, other, other, holder, service, BaseCommand+"/chat", exp, nil)

	if _, err := Parse(rootSeg + "/" + invSeg); err == nil {
		t.Fatalf("expected error for broken issuer/audience chain")
	}
}

func TestParseRejectsNonAttenuatingCommand(t *testing.T) {
	root, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	rootSeg := buildSegment(t, root, root, holder, root, "/nil/other", exp, nil)
	invSeg := buildSegment(t, root, root, holder, service, "/nil/other/chat", exp, nil)

	if _, err := Parse(rootSeg + "/" + invSeg); err == nil {
		t.Fatalf("expected error for command outside base command")
	}
}

func TestValidateRejectsUntrustedRoot(t *testing.T) {
	root, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)
	rootSeg := buildSegment(t, root, root, holder, root, BaseCommand, exp, nil)
	invSeg := buildSegment(t, root, root, holder, service, BaseCommand+"/chat", exp, nil)
	chain, err := Parse(rootSeg + "/" + invSeg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	err = Validate(chain, ValidateOptions{ServiceAudience: service.hex(), TrustedRootIssuers: []string{"someone-else"}})
	if err == nil {
		t.Fatalf("expected error for untrusted root issuer")
	}
}

func TestValidateRejectsExpiredInvocation(t *testing.T) {
	root, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(-time.Hour)
	rootSeg := buildSegment(t, root, root, holder, root, BaseCommand, exp, nil)
	invSeg := buildSegment(t, root, root, holder, service, BaseCommand+"/chat", exp, nil)
	chain, err := Parse(rootSeg + "/" + invSeg)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if err := Validate(chain, ValidateOptions{ServiceAudience: service.hex()}); err == nil {
		t.Fatalf("expected error for expired invocation")
	}
}

func TestRateLimitsMonotonicAcrossProofs(t *testing.T) {
	root, mid, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	// Build a clean 3-node chain: root -(aud=mid)-> proof(issuer=mid, aud=second) -> invocation
	second := newPrincipal(t)
	r := buildSegment(t, root, root, holder, mid, BaseCommand, exp, map[string]any{"usage_limit": 50})
	p := buildSegment(t, mid, mid, holder, second, BaseCommand+"/chat", exp, map[string]any{"usage_limit": 20})
	inv := buildSegment(t, second, second, holder, service, BaseCommand+"/chat/completions", exp, nil)

	chain, err := Parse(r + "/" + p + "/" + inv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	limits, err := RateLimits(chain)
	if err != nil {
		t.Fatalf("RateLimits: %v", err)
	}
	if len(limits) != 2 || limits[0].UsageLimit != 50 || limits[1].UsageLimit != 20 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestRateLimitsRejectsIncreasingChain(t *testing.T) {
	root, mid, holder, second, service := newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	r := buildSegment(t, root, root, holder, mid, BaseCommand, exp, map[string]any{"usage_limit": 50})
	p := buildSegment(t, mid, mid, holder, second, BaseCommand+"/chat", exp, map[string]any{"usage_limit": 80})
	inv := buildSegment(t, second, second, holder, service, BaseCommand+"/chat/completions", exp, nil)

	chain, err := Parse(r + "/" + p + "/" + inv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := RateLimits(chain); err == nil {
		t.Fatalf("expected inconsistent usage_limit chain to be rejected")
	} else if !strings.Contains(err.Error(), "inconsistent") {
		t.Fatalf("error should mention 'inconsistent', got: %v", err)
	}
}

func TestRateLimitsSkipsNullWithoutResettingBaseline(t *testing.T) {
	root, mid, holder, second, service := newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	r := buildSegment(t, root, root, holder, mid, BaseCommand, exp, map[string]any{"usage_limit": 50})
	p := buildSegment(t, mid, mid, holder, second, BaseCommand+"/chat", exp, nil) // null usage_limit
	inv := buildSegment(t, second, second, holder, service, BaseCommand+"/chat/completions", exp, map[string]any{"usage_limit": 40})

	// inv is the invocation (ignored), so only root's 50 should count.
	chain, err := Parse(r + "/" + p + "/" + inv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	limits, err := RateLimits(chain)
	if err != nil {
		t.Fatalf("RateLimits: %v", err)
	}
	if len(limits) != 1 || limits[0].UsageLimit != 50 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestDocumentBindingMatchesOwner(t *testing.T) {
	root, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	rootSeg := buildSegment(t, root, root, holder, root, BaseCommand, exp, map[string]any{
		"document_id":        "doc-123",
		"document_owner_did": DIDPrefix + root.hex(),
	})
	inv := buildSegment(t, root, root, holder, service, BaseCommand+"/chat", exp, nil)

	chain, err := Parse(rootSeg + "/" + inv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	binding, err := ExtractDocumentBinding(chain)
	if err != nil {
		t.Fatalf("ExtractDocumentBinding: %v", err)
	}
	if binding == nil || binding.DocumentID != "doc-123" {
		t.Fatalf("unexpected binding: %+v", binding)
	}
}

func TestDocumentBindingRejectsOwnerMismatch(t *testing.T) {
	root, imposter, holder, service := newPrincipal(t), newPrincipal(t), newPrincipal(t), newPrincipal(t)
	exp := time.Now().Add(time.Hour)

	rootSeg := buildSegment(t, root, root, holder, root, BaseCommand, exp, map[string]any{
		"document_id":        "doc-123",
		"document_owner_did": DIDPrefix + imposter.hex(),
	})
	inv := buildSegment(t, root, root, holder, service, BaseCommand+"/chat", exp, nil)

	chain, err := Parse(rootSeg + "/" + inv)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := ExtractDocumentBinding(chain); err == nil {
		t.Fatalf("expected owner mismatch to be rejected")
	}
}
