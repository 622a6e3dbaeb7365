// Package audit dispatches session lifecycle events asynchronously.
//
// # Components
//
//   - [Sink] consumes events (channel, JSON writer, zap logger, no-op).
//   - [Dispatcher] is a buffered relay that either drops or blocks when full.
//   - [Event] is the record: type, session, request, reason, outcome.
//
// The client decides which events to emit; this package only buffers and
// delivers them.
//
// # What this package must NOT do
//
//   - Filter events.
//   - Import goAuthClient or a sibling internal package.
//   - Perform I/O beyond what a caller-supplied Sink does.
package audit
