//go:build integration
// +build integration

package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/internal/authtest"
)

const protectedPath = "/api/ping"

func newAuthServer(t *testing.T, opts authtest.Options) (*authtest.Server, *httptest.Server) {
	t.Helper()

	srv, err := authtest.New(opts)
	if err != nil {
		t.Fatalf("authtest.New failed: %v", err)
	}
	srv.Handle("GET "+protectedPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ts := srv.Start()
	t.Cleanup(ts.Close)
	return srv, ts
}

func buildClient(t *testing.T, b *goAuthClient.Builder) *goAuthClient.Client {
	t.Helper()

	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func establish(t *testing.T, srv *authtest.Server, c *goAuthClient.Client, ttl time.Duration) goAuthClient.Pair {
	t.Helper()

	tokens, err := srv.LoginWithTTL("integration", ttl)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	pair := goAuthClient.Pair{Access: tokens.AccessToken, Refresh: tokens.RefreshToken}
	if err := c.Establish(context.Background(), pair); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	return pair
}

func ping(c *goAuthClient.Client) error {
	return c.DoJSON(context.Background(), http.MethodGet, protectedPath, nil, nil)
}

// burst runs fn from n goroutines released together and collects the errors.
func burst(n int, fn func() error) []error {
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(n)

	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i)
	}

	close(start)
	wg.Wait()
	return errs
}
