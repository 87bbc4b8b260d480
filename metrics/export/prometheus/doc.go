// Package prometheus provides a Prometheus renderer for tenauth metrics.
//
// [NewPrometheusExporter] accepts a [tenauth.Engine] and exposes an [http.Handler]
// that renders all engine counters and histograms in Prometheus text exposition
// format. Counter names are prefixed tenauth_*_total; the single histogram is
// tenauth_authorize_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the Handler.
//   - Mutate engine state.
package prometheus
