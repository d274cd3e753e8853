package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/auth"
	"github.com/nillion-oss/nilai-gateway/internal/orchestrator"
)

// Chat handles POST /v1/chat/completions: non-streaming by default, SSE
// when the request body sets "stream": true. Grounded on the teacher's
// internal/handler/chat.go SSE-writer/flush pattern, generalized from
// named events ("status"/"token"/"done") to plain OpenAI-shaped
// "data: {json}\n\n" frames per spec.md §4.8.
func Chat(orc *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authCtx, ok := auth.FromContext(r.Context())
		if !ok {
			apierror.WriteJSON(w, apierror.Unauthorized("missing authentication context"))
			return
		}

		var req orchestrator.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierror.WriteJSON(w, apierror.BadRequest("invalid request body: "+err.Error()))
			return
		}

		if req.Stream {
			streamChat(w, r, orc, authCtx, req)
			return
		}

		resp, err := orc.Handle(r.Context(), authCtx, req)
		if err != nil {
			apierror.WriteJSON(w, apierror.From(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Error("handler: failed to write chat completion response", "err", err)
		}
	}
}

func streamChat(w http.ResponseWriter, r *http.Request, orc *orchestrator.Orchestrator, authCtx *auth.AuthContext, req orchestrator.ChatRequest) {
	frames, err := orc.HandleStream(r.Context(), authCtx, req)
	if err != nil {
		apierror.WriteJSON(w, apierror.From(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierror.WriteJSON(w, apierror.Internal("streaming not supported by response writer", errors.New("no http.Flusher")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range frames {
		if _, err := w.Write(frame.Data); err != nil {
			slog.Error("handler: stream write failed", "err", err)
			return
		}
		flusher.Flush()
	}
}
