package permission

import (
	"net/url"
	"strings"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func buildRoutes(t *testing.T, patterns ...string) *Routes {
	t.Helper()
	r := NewRoutes()
	for _, p := range patterns {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register(%q): %v", p, err)
		}
	}
	r.Freeze()
	return r
}

func TestRoutesClassification(t *testing.T) {
	r := buildRoutes(t,
		"POST /auth/refresh",
		"POST /auth/login",
		"/health",
		"GET /public/*/logo",
		"/docs/**",
	)

	tests := []struct {
		method string
		url    string
		public bool
	}{
		{"POST", "http://api/auth/refresh", true},
		{"post", "http://api/auth/refresh", true},
		{"GET", "http://api/auth/refresh", false},
		{"GET", "http://api/health", true},
		{"DELETE", "http://api/health", true},
		{"GET", "http://api/public/acme/logo", true},
		{"GET", "http://api/public/acme/other", false},
		{"GET", "http://api/public/a/b/logo", false},
		{"GET", "http://api/docs", true},
		{"GET", "http://api/docs/v1/index.html", true},
		{"GET", "http://api/processes", false},
		{"GET", "http://api/", false},
		{"GET", "http://api/auth/refresh/../../processes", false},
		{"GET", "http://api//health", true},
		{"POST", "http://api/auth/%2e%2e/admin", false},
		{"GET", "http://api/healthz", false},
	}

	for _, tt := range tests {
		got := r.IsPublic(tt.method, mustURL(t, tt.url))
		if got != tt.public {
			t.Errorf("IsPublic(%s %s) = %v, want %v", tt.method, tt.url, got, tt.public)
		}
	}
}

func TestRoutesRejectsBadPatterns(t *testing.T) {
	bad := []string{
		"",
		"auth/refresh",
		"POST auth/refresh",
		"/auth/../refresh",
		"/a//b",
		"/docs/**/x",
		"/bad[",
	}
	r := NewRoutes()
	for _, p := range bad {
		if err := r.Register(p); err == nil {
			t.Errorf("Register(%q) expected error", p)
		}
	}
	if r.Count() != 0 {
		t.Fatalf("expected no rules, got %d", r.Count())
	}
}

func TestRoutesDuplicateAndFrozen(t *testing.T) {
	r := NewRoutes()
	if err := r.Register("/health"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("/health"); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := r.Register("GET /health"); err != nil {
		t.Fatalf("method-scoped pattern should be distinct: %v", err)
	}

	r.Freeze()
	if !r.Frozen() {
		t.Fatalf("expected frozen")
	}
	if err := r.Register("/other"); err == nil {
		t.Fatalf("expected frozen error")
	}
	if err := r.ManageHost("api.example.com"); err == nil {
		t.Fatalf("expected frozen error for host")
	}
}

func TestRoutesHostScoping(t *testing.T) {
	r := NewRoutes()
	if err := r.ManageHost("API.example.com"); err != nil {
		t.Fatalf("ManageHost: %v", err)
	}
	if err := r.ManageHost(" "); err == nil {
		t.Fatalf("expected empty host error")
	}
	r.Freeze()

	if r.IsPublic("GET", mustURL(t, "https://api.example.com/processes")) {
		t.Fatalf("managed host must be protected")
	}
	if !r.IsPublic("GET", mustURL(t, "https://cdn.example.net/processes")) {
		t.Fatalf("foreign host must be public")
	}
	if r.IsPublic("GET", mustURL(t, "/processes")) {
		t.Fatalf("relative URL must be protected")
	}
}

func TestRoutesNilURL(t *testing.T) {
	r := buildRoutes(t, "/health")
	if r.IsPublic("GET", nil) {
		t.Fatalf("nil URL must be protected")
	}
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"":            "/",
		"a/b":         "/a/b",
		"/a/./b/":     "/a/b",
		"/a/../../b":  "/b",
		"//a///b":     "/a/b",
		"/auth/..":    "/",
	}
	for in, want := range cases {
		if got := CleanPath(in); got != want {
			t.Errorf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
}

// FuzzRoutesNeverEscapePrefix checks that a public match for "/auth/*" is
// always a cleaned path directly under /auth.
func FuzzRoutesNeverEscapePrefix(f *testing.F) {
	f.Add("/auth/refresh")
	f.Add("/auth/../admin")
	f.Add("//auth//refresh")
	f.Add("/auth/refresh/../../x")
	f.Add("")

	routes := NewRoutes()
	if err := routes.Register("/auth/*"); err != nil {
		f.Fatalf("Register: %v", err)
	}
	routes.Freeze()

	f.Fuzz(func(t *testing.T, p string) {
		u := &url.URL{Path: p}
		if !routes.IsPublic("POST", u) {
			return
		}
		cleaned := CleanPath(p)
		rest, ok := strings.CutPrefix(cleaned, "/auth/")
		if !ok || rest == "" || strings.Contains(rest, "/") {
			t.Fatalf("path %q (cleaned %q) matched /auth/*", p, cleaned)
		}
	})
}
