// Package refresh keeps the access token usable by coordinating refreshes.
//
// # Coordinator
//
// [Coordinator.EnsureFreshAccess] returns a usable access token. When the
// stored token is inside the expiry margin it exchanges the refresh token
// through a [Refresher]. Any number of concurrent callers share one refresh
// call; they all observe the same outcome.
//
// A failed refresh terminates the session through the configured hook. The
// in-flight handle is released only after the result is delivered, so a
// later call can start a new attempt.
//
// # Refreshers
//
//   - [HTTPRefresher] posts the refresh token as JSON to the API.
//   - [OAuth2Refresher] performs an RFC 6749 refresh grant.
//
// # What this package must NOT do
//
//   - Clear the credential store directly (termination is delegated).
//   - Issue credentials from a username and password.
//   - Log token values.
package refresh
