package handler

import (
	"encoding/json"
	"net/http"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/attestation"
	"github.com/nillion-oss/nilai-gateway/internal/keystore"
)

type attestationResponse struct {
	VerifyingKey   string `json:"verifying_key"`
	CPUAttestation string `json:"cpu_attestation"`
	GPUAttestation string `json:"gpu_attestation"`
}

// Attestation handles GET /v1/attestation/report: CPU+GPU attestation
// blobs from the external provider, with verifying_key filled from the
// gateway's own signing keystore.
func Attestation(client *attestation.Client, ks *keystore.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := client.FetchReport(r.Context())
		if err != nil {
			apierror.WriteJSON(w, apierror.Upstream("attestation provider unavailable", err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(attestationResponse{
			VerifyingKey:   ks.PublicKeyBase64(),
			CPUAttestation: report.CPUAttestation,
			GPUAttestation: report.GPUAttestation,
		})
	}
}
