// Package middleware provides the credential-aware [http.RoundTripper] that
// sits between the admin client and the API.
//
// # Request gate
//
// Each call is classified once as public or protected. Public calls are
// forwarded untouched. Protected calls get "Authorization: Bearer <access>";
// if the stored token is inside the expiry margin the gate first waits for
// the refresh coordinator. With no session the call goes out without a
// credential and the server decides.
//
// # Response gate
//
// A protected call answered with an authentication-rejected status (401 by
// default) terminates the session it was sent for. The response itself is
// returned unchanged.
//
// # What this package must NOT do
//
//   - Refresh tokens itself (delegates to the coordinator).
//   - Terminate a session on a public call or a non-auth status.
//   - Retry requests.
package middleware
