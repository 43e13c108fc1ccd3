package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/retry"
)

var fastBackoff = WithRetryBackoff(retry.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond})

func TestClient_CreatePullRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/v3/repos/octocat/hello/pulls" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		assertAuth(t, r, "Bearer ghp_test123")

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["head"] != "autoflow/eng-1" || body["base"] != "main" {
			t.Errorf("unexpected body: %v", body)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   42,
			"html_url": "https://github.com/octocat/hello/pull/42",
			"title":    "ENG-1: Add feature",
			"state":    "open",
			"head":     map[string]any{"sha": "abc123"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.CreatePullRequest(context.Background(), "octocat", "hello", "autoflow/eng-1", "main", "ENG-1: Add feature", "body")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 42 || pr.HTMLURL != "https://github.com/octocat/hello/pull/42" || pr.HeadSHA != "abc123" {
		t.Errorf("unexpected PR: %+v", pr)
	}
}

func TestClient_CreatePullRequest_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"), fastBackoff)
	_, err := c.CreatePullRequest(context.Background(), "o", "r", "h", "main", "t", "b")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestClient_ServerError_RetriesAndSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{{"number": 7, "state": "open"}})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"), fastBackoff)
	pr, err := c.FindOpenPR(context.Background(), "o", "r", "h", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr == nil || pr.Number != 7 {
		t.Errorf("expected PR 7, got %+v", pr)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestClient_FindOpenPR_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("head") != "octocat:autoflow/eng-1" || q.Get("base") != "main" || q.Get("state") != "open" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"number": 5, "html_url": "https://github.com/octocat/hello/pull/5", "state": "open"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.FindOpenPR(context.Background(), "octocat", "hello", "autoflow/eng-1", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr == nil || pr.Number != 5 {
		t.Fatalf("expected PR 5, got %+v", pr)
	}
}

func TestClient_FindOpenPR_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.FindOpenPR(context.Background(), "o", "r", "h", "main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr != nil {
		t.Fatalf("expected nil, got %+v", pr)
	}
}

func TestNew_WithAppAuth_BadKeyPath_Error(t *testing.T) {
	_, err := New("", WithAppAuth(AppCredentials{
		ClientID:       "Iv23liABC",
		InstallationID: 12345,
		PrivateKeyPath: "/nonexistent/key.pem",
	}))
	if err == nil {
		t.Fatal("expected error for bad key path, got nil")
	}
}

func TestNew_WithAppAuth_BadKeyContent_Error(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "bad.pem")
	os.WriteFile(keyFile, []byte("not a valid PEM key"), 0600)

	_, err := New("", WithAppAuth(AppCredentials{
		ClientID:       "Iv23liABC",
		InstallationID: 12345,
		PrivateKeyPath: keyFile,
	}))
	if err == nil {
		t.Fatal("expected error for bad PEM content, got nil")
	}
}

func TestNew_WithAppAuth_UsesInstallationToken(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "test.pem")
	os.WriteFile(keyFile, generateTestKey(t), 0600)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app/installations/12345/access_tokens" {
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "ghs_installtoken123",
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c, err := New("", WithAppAuth(AppCredentials{
		ClientID:       "Iv23liABC",
		InstallationID: 12345,
		PrivateKeyPath: keyFile,
	}), WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.FindOpenPR(context.Background(), "o", "r", "h", "main"); err != nil {
		t.Fatalf("FindOpenPR: %v", err)
	}
	if gotAuth != "token ghs_installtoken123" {
		t.Errorf("expected auth with installation token, got %q", gotAuth)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := expandHome("~/keys/app.pem"); got != filepath.Join(home, "keys/app.pem") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/app.pem"); got != "/abs/app.pem" {
		t.Errorf("expandHome = %q", got)
	}
}

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k),
	})
}

func mustNew(t *testing.T, token string, opts ...Option) *Client {
	t.Helper()
	c, err := New(token, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func assertAuth(t *testing.T, r *http.Request, expected string) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != expected {
		t.Errorf("expected Authorization %q, got %q", expected, got)
	}
}
