package orchestrator

import (
	"encoding/base64"
	"encoding/json"
)

// Signer produces a detached signature over a byte slice. Implemented by
// internal/keystore.Keystore.
type Signer interface {
	Sign(data []byte) []byte
}

// sign serializes resp to canonical JSON with Signature left empty, signs
// that byte slice, and returns the base64 signature to set on the field.
//
// Go's encoding/json marshals struct fields in declaration order
// deterministically, which is what "canonical JSON" means here — the
// field order is fixed by the SignedChatCompletion struct definition, not
// by map iteration, so no extra canonicalization step is needed.
func sign(signer Signer, resp SignedChatCompletion) (string, error) {
	resp.Signature = ""
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	sig := signer.Sign(raw)
	return base64.StdEncoding.EncodeToString(sig), nil
}
