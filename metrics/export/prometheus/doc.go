// Package prometheus renders client metrics in Prometheus text format.
//
// [NewPrometheusExporter] wraps a [goAuthClient.Client] and exposes an
// [http.Handler]. Counter names follow goauthclient_*_total; the histogram is
// goauthclient_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register with a global Prometheus registry; callers mount the Handler.
//   - Mutate client state.
package prometheus
