// Package goAuthClient provides an authenticated HTTP client that keeps a
// JWT access token fresh across any number of concurrent calls.
//
// A [Client] owns one credential pair (access + refresh). Protected calls go
// through a gated [net/http.RoundTripper] that attaches the access token,
// refreshes it once when it is inside the expiry margin, and ends the session
// when the server rejects a credentialed call. Concurrent callers that find the
// token stale share a single refresh exchange.
//
// Clients are assembled with [Builder]:
//
//	client, err := goAuthClient.New().
//		WithConfig(cfg).
//		WithTerminationHandler(onLogout).
//		Build()
//
// # Architecture boundaries
//
// goAuthClient is the public surface. It exposes [Client], [Builder], [Config]
// and value types (Pair, TerminationEvent, MetricsSnapshot). The credential
// store, expiry evaluation, refresh coordination and the request gate live in
// the session, jwt, refresh and middleware packages.
//
// # What this package must NOT do
//
//   - Log or audit token values.
//   - Contact the API during Build.
//   - Run more than one refresh exchange per session generation at a time.
package goAuthClient
