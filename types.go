package goAuthClient

import (
	"context"
	"io"

	"go.uber.org/zap"

	internalaudit "github.com/MrEthical07/goAuthClient/internal/audit"
	"github.com/MrEthical07/goAuthClient/refresh"
	"github.com/MrEthical07/goAuthClient/session"
)

// Pair is the (access, refresh) credential tuple.
type Pair = session.Pair

// SessionState is the authentication state derived from the credential store.
type SessionState int

const (
	// StateUnauthenticated means no credential pair is present.
	StateUnauthenticated SessionState = iota
	// StateAuthenticated means a credential pair is present.
	StateAuthenticated
)

func (s SessionState) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// RefreshState is the state of the refresh coordinator for the current session.
type RefreshState = refresh.State

// Refresh coordinator states.
const (
	RefreshIdle       = refresh.Idle
	RefreshInProgress = refresh.Refreshing
	RefreshSettled    = refresh.Settled
)

// TerminationReason says why a session ended.
type TerminationReason string

const (
	// ReasonRefreshFailed means the refresh call errored or was rejected.
	ReasonRefreshFailed TerminationReason = "refresh_failed"
	// ReasonAuthRejected means a protected call was rejected despite a
	// locally valid token.
	ReasonAuthRejected TerminationReason = "auth_rejected"
)

// TerminationEvent is passed to the handler registered with
// [Builder.WithTerminationHandler].
type TerminationEvent struct {
	Reason    TerminationReason
	SessionID string
	// Cause is the refresh error for ReasonRefreshFailed.
	Cause error
	// Status is the rejecting HTTP status for ReasonAuthRejected.
	Status int
}

// TerminationHandler is called once per terminated session.
type TerminationHandler func(ctx context.Context, ev TerminationEvent)

// Audit event types.
const (
	AuditSessionEstablished = "session_established"
	AuditSessionRestored    = "session_restored"
	AuditRefreshSuccess     = "refresh_success"
	AuditRefreshFailure     = "refresh_failure"
	AuditSessionTerminated  = "session_terminated"
	AuditAuthRejected       = "auth_rejected"
	AuditLogout             = "logout"
)

// AuditEvent is a structured audit record emitted by the client.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the client's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink is an [AuditSink] that logs events through zap.
type ZapSink = internalaudit.ZapSink

// NewChannelSink creates a [ChannelSink] with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZapSink creates a [ZapSink] on logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}
