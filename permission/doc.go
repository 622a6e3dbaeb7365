// Package permission classifies outgoing API calls as public or protected.
//
// # Allow-list
//
// Public endpoints (the refresh and issuance endpoints, health checks) are
// registered explicitly on a [Routes] value. Anything not matched is
// protected. Paths are cleaned before matching, so dot segments and
// duplicate slashes cannot disguise a protected path as a public one.
//
// # Host scoping
//
// When hosts are registered with [Routes.ManageHost], calls to any other
// host are treated as public: the client never sends its credentials to a
// third party.
//
// # What this package must NOT do
//
//   - Perform I/O.
//   - Import goAuthClient, jwt, session, or refresh.
//   - Accept registrations after [Routes.Freeze].
package permission
