package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/turbidsoul/fast-docker-proxy/internal/config"
)

// fakeRegistry emulates the upstream half of the registry auth handshake:
// unauthenticated requests get a Bearer challenge, authenticated ones get
// the manifest.
func fakeRegistry(t *testing.T, tokenURL string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer goodtoken" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+tokenURL+`",service="registry.docker.io"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED"}]}`))
			return
		}
		if r.URL.Path == "/v2/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != "/v2/library/busybox/manifests/latest" {
			t.Errorf("upstream path = %q, want normalized library path", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		_, _ = w.Write([]byte(`{"schemaVersion":2}`))
	}
}

func TestRegisterRoutes_PullHandshake(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("scope"); got != "repository:library/busybox:pull" {
			t.Errorf("token scope = %q, want library-normalized", got)
		}
		_, _ = w.Write([]byte(`{"token":"goodtoken"}`))
	}))
	defer tokenSrv.Close()

	upstream := httptest.NewServer(fakeRegistry(t, tokenSrv.URL+"/token"))
	defer upstream.Close()

	proxy := newTestHandler(t, upstream.URL, true)
	health := NewHealthHandler(&config.Config{}, "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	do := func(method, path, host, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, http.NoBody)
		req.Host = host
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	// 1. Probe: the client hits /v2/ and is challenged with a realm that
	// points back at the proxy.
	rec := do(http.MethodGet, "/v2/", "docker.example.com", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("probe status = %d, want 401", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, `realm="https://docker.example.com/v2/auth"`) {
		t.Fatalf("challenge = %q, want realm pointing at proxy", challenge)
	}

	// 2. Token: the client follows the rewritten realm through the proxy.
	// The docker entry has no fixed realm here, so it is discovered from
	// the upstream challenge.
	rec = do(http.MethodGet, "/v2/auth?service=registry.docker.io&scope=repository:busybox:pull", "docker.example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, want 200", rec.Code)
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if tok.Token != "goodtoken" {
		t.Fatalf("token = %q, want goodtoken", tok.Token)
	}

	// 3. Pull: the client retries with the token and streams the manifest.
	rec = do(http.MethodGet, "/v2/busybox/manifests/latest", "docker.example.com", "Bearer "+tok.Token)
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"schemaVersion":2}` {
		t.Fatalf("manifest body = %q, want unchanged", got)
	}
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer upstream.Close()

	proxy := newTestHandler(t, upstream.URL, false)
	health := NewHealthHandler(&config.Config{}, "test")

	e := echo.New()
	RegisterRoutes(e, proxy, health)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET / redirects", http.MethodGet, "/", http.StatusMovedPermanently},
		{"GET /v2/", http.MethodGet, "/v2/", http.StatusOK},
		{"HEAD /v2/", http.MethodHead, "/v2/", http.StatusOK},
		{"GET /v2/auth relays", http.MethodGet, "/v2/auth", http.StatusBadGateway},
		{"GET manifest", http.MethodGet, "/v2/library/busybox/manifests/latest", http.StatusOK},
		{"GET outside API", http.MethodGet, "/api/things", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			req.Host = "docker.example.com"
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
