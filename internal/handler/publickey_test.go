package handler

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nillion-oss/nilai-gateway/internal/keystore"
)

func TestPublicKey_WritesBase64Body(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.Load(filepath.Join(dir, "k"), filepath.Join(dir, "k.lock"))
	if err != nil {
		t.Fatalf("keystore.Load: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/public_key", nil)
	rec := httptest.NewRecorder()

	PublicKey(ks)(rec, req)

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != ks.PublicKeyBase64() {
		t.Errorf("body = %q, want %q", rec.Body.String(), ks.PublicKeyBase64())
	}
}
