package toolloop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSandboxExecutor_ExecutesPython(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("path = %s, want /execute", r.URL.Path)
		}
		var req sandboxRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Code != "print(1+1)" {
			t.Errorf("code = %q", req.Code)
		}
		json.NewEncoder(w).Encode(sandboxResponse{Stdout: "2\n"})
	}))
	defer srv.Close()

	executor := NewSandboxExecutor(srv.URL)
	out, err := executor.Execute(context.Background(), ExecutePythonTool, `{"code":"print(1+1)"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "2\n" {
		t.Errorf("output = %q, want \"2\\n\"", out)
	}
}

func TestSandboxExecutor_IncludesStderr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sandboxResponse{Stdout: "partial", Stderr: "traceback"})
	}))
	defer srv.Close()

	executor := NewSandboxExecutor(srv.URL)
	out, err := executor.Execute(context.Background(), ExecutePythonTool, `{"code":"raise ValueError()"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "partial\ntraceback" {
		t.Errorf("output = %q", out)
	}
}

func TestSandboxExecutor_RejectsUnknownTool(t *testing.T) {
	executor := NewSandboxExecutor("http://unused")
	if _, err := executor.Execute(context.Background(), "shell_exec", "{}"); err == nil {
		t.Fatal("expected an error for an unregistered tool name")
	}
}
