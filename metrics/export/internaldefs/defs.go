package internaldefs

import (
	goAuthClient "github.com/MrEthical07/goAuthClient"
)

// CounterDef binds a client counter to its exported name.
type CounterDef struct {
	ID   goAuthClient.MetricID
	Name string
	Help string
}

// HistogramDef binds a client histogram to its exported name.
type HistogramDef struct {
	ID   goAuthClient.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
// MetricAuditDropped is left out: exporters read it from AuditDropped.
var CounterDefs = []CounterDef{
	{ID: goAuthClient.MetricRefreshStarted, Name: "goauthclient_refresh_started_total", Help: "Refresh calls sent to the server."},
	{ID: goAuthClient.MetricRefreshSuccess, Name: "goauthclient_refresh_success_total", Help: "Refreshes that installed a new access token."},
	{ID: goAuthClient.MetricRefreshFailure, Name: "goauthclient_refresh_failure_total", Help: "Refreshes that failed or were rejected."},
	{ID: goAuthClient.MetricRefreshJoined, Name: "goauthclient_refresh_joined_total", Help: "Callers that waited on an in-flight refresh."},
	{ID: goAuthClient.MetricRefreshSkipped, Name: "goauthclient_refresh_skipped_total", Help: "Refresh flights that found a usable token on re-check."},
	{ID: goAuthClient.MetricRequestPublic, Name: "goauthclient_request_public_total", Help: "Calls classified as public."},
	{ID: goAuthClient.MetricRequestProtected, Name: "goauthclient_request_protected_total", Help: "Calls classified as protected."},
	{ID: goAuthClient.MetricRequestUnauthenticated, Name: "goauthclient_request_unauthenticated_total", Help: "Protected calls sent without a session."},
	{ID: goAuthClient.MetricTokenAttached, Name: "goauthclient_token_attached_total", Help: "Protected calls that carried a bearer token."},
	{ID: goAuthClient.MetricAuthRejected, Name: "goauthclient_auth_rejected_total", Help: "Protected calls rejected by the server."},
	{ID: goAuthClient.MetricSessionEstablished, Name: "goauthclient_session_established_total", Help: "Sessions established."},
	{ID: goAuthClient.MetricSessionRestored, Name: "goauthclient_session_restored_total", Help: "Sessions restored from persistence."},
	{ID: goAuthClient.MetricSessionTerminated, Name: "goauthclient_session_terminated_total", Help: "Sessions terminated by refresh failure or rejection."},
	{ID: goAuthClient.MetricTerminationDeduplicated, Name: "goauthclient_termination_deduplicated_total", Help: "Termination requests for an already terminated session."},
	{ID: goAuthClient.MetricLogout, Name: "goauthclient_logout_total", Help: "Explicit logouts."},
	{ID: goAuthClient.MetricPersistFailure, Name: "goauthclient_persist_failure_total", Help: "Credential write-through failures."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goAuthClient.MetricRefreshLatency, Name: "goauthclient_refresh_latency_seconds", Help: "Refresh round-trip latency histogram."},
}

// HistogramBounds are the Prometheus "le" labels of the eight buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are the OTel instrument name suffixes of the buckets.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding missing buckets with 0.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
