// Package session owns the credential pair of the authenticated client.
//
// # Credential store
//
// [Store] holds the current (access, refresh) pair as an immutable [Snapshot]
// behind an atomic pointer: readers never observe a half-updated pair.
// Every Establish opens a new generation; refresh results and termination
// requests carry the generation they were computed for, so work started for a
// terminated session can never touch its successor.
//
// # Persistence
//
// A [Persister] is a write-through cache used to survive restarts. Records are
// ordered by Seq; backends refuse to let an older write overwrite a newer one.
// [RedisPersister] enforces this inside Lua scripts, [MemoryPersister] in
// process memory.
//
// # Binary encoding
//
// Records are stored in a compact versioned binary format (see [Encode]).
//
// # What this package must NOT do
//
//   - Import goAuthClient, refresh, or middleware (no upward imports).
//   - Log or otherwise expose token contents.
package session
