package handler

import (
	"net/http"

	"github.com/nillion-oss/nilai-gateway/internal/keystore"
)

// PublicKey handles GET /v1/public_key: the gateway's base64-encoded
// secp256k1 public key, served as a plain string body — the one
// authenticated-looking route spec.md §6 exempts from bearer auth.
func PublicKey(ks *keystore.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(ks.PublicKeyBase64()))
	}
}
