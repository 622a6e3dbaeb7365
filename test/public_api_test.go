package test

import (
	"context"
	"net/http"
	"testing"

	goAuthClient "github.com/MrEthical07/goAuthClient"
	"github.com/MrEthical07/goAuthClient/middleware"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
)

// This test intentionally guards public API compile-compat for consumers.
func TestPublicAPISurfaceCompile(t *testing.T) {
	_ = goAuthClient.New
	_ = goAuthClient.DefaultConfig
	_ = goAuthClient.WithRequestID

	var _ *goAuthClient.Client
	var _ *goAuthClient.Builder
	var _ goAuthClient.Config
	var _ goAuthClient.Pair
	var _ goAuthClient.TerminationEvent
	var _ goAuthClient.TerminationHandler
	var _ goAuthClient.AuditSink
	var _ *goAuthClient.APIError

	var _ error = goAuthClient.ErrAuthRejected
	var _ error = goAuthClient.ErrNotAuthenticated
	var _ error = goAuthClient.ErrRefreshFailed
	var _ error = goAuthClient.ErrRefreshRejected
	var _ error = goAuthClient.ErrClientClosed
	var _ error = goAuthClient.ErrBuilderUsed

	var _ refresh.Refresher = (*refresh.HTTPRefresher)(nil)
	var _ session.Persister = (*session.RedisPersister)(nil)
	var _ http.RoundTripper = (*middleware.Transport)(nil)

	var _ func(*goAuthClient.Client, context.Context, goAuthClient.Pair) error = (*goAuthClient.Client).Establish
	var _ func(*goAuthClient.Client, context.Context) (bool, error) = (*goAuthClient.Client).Restore
	var _ func(*goAuthClient.Client, context.Context) (string, error) = (*goAuthClient.Client).EnsureFreshAccess
	var _ func(*goAuthClient.Client, context.Context) error = (*goAuthClient.Client).Logout
	var _ func(*goAuthClient.Client, *http.Request) (*http.Response, error) = (*goAuthClient.Client).Do
	var _ func(*goAuthClient.Client) goAuthClient.SessionState = (*goAuthClient.Client).State
}
