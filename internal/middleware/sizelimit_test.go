package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSizeLimit_RejectsDeclaredOversize(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for oversize body")
	})
	handler := SizeLimit(10)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("this body is way over ten bytes"))
	req.ContentLength = 32
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestSizeLimit_AllowsWithinLimit(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	handler := SizeLimit(1024)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("small body"))
	req.ContentLength = 10
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSizeLimit_CapsUnknownLengthBody(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		if err == nil {
			t.Error("expected MaxBytesReader to reject an oversize chunked body")
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := SizeLimit(4)(inner)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("too many bytes for the cap"))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
}
