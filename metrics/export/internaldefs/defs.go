package internaldefs

import (
	"github.com/tenauth/tenauth"
)

// CounterDef binds one engine counter to its exported name.
type CounterDef struct {
	ID   tenauth.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine histogram to its exported name.
type HistogramDef struct {
	ID   tenauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: tenauth.MetricAuthorizeStarted, Name: "tenauth_authorize_started_total", Help: "Authorization requests accepted."},
	{ID: tenauth.MetricAuthorizeCompleted, Name: "tenauth_authorize_completed_total", Help: "Authorization flows that reached finish."},
	{ID: tenauth.MetricAuthorizeDenied, Name: "tenauth_authorize_denied_total", Help: "Denied or failed authorization flows."},
	{ID: tenauth.MetricAuthorizeSuspended, Name: "tenauth_authorize_suspended_total", Help: "Flow suspensions awaiting user or external input."},
	{ID: tenauth.MetricCodeIssued, Name: "tenauth_code_issued_total", Help: "Authorization codes minted."},
	{ID: tenauth.MetricCodeExchanged, Name: "tenauth_code_exchanged_total", Help: "Successful authorization code exchanges."},
	{ID: tenauth.MetricCodeRejected, Name: "tenauth_code_rejected_total", Help: "Invalid, replayed, or mismatched code exchanges."},
	{ID: tenauth.MetricRefreshSuccess, Name: "tenauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: tenauth.MetricRefreshFailure, Name: "tenauth_refresh_failure_total", Help: "Refused refresh operations."},
	{ID: tenauth.MetricRefreshReuseDetected, Name: "tenauth_refresh_reuse_detected_total", Help: "Replayed refresh tokens; sessions revoked."},
	{ID: tenauth.MetricIntrospection, Name: "tenauth_introspection_total", Help: "Introspection calls."},
	{ID: tenauth.MetricKeyStaged, Name: "tenauth_key_staged_total", Help: "Signing keys staged."},
	{ID: tenauth.MetricKeyPromoted, Name: "tenauth_key_promoted_total", Help: "Signing key promotions."},
	{ID: tenauth.MetricKeyPromotionConflict, Name: "tenauth_key_promotion_conflict_total", Help: "Lost signing key promotion races."},
	{ID: tenauth.MetricNoActiveKey, Name: "tenauth_no_active_key_total", Help: "Signing attempts without an active key."},
	{ID: tenauth.MetricRateLimitHit, Name: "tenauth_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: tenauth.MetricBusFallback, Name: "tenauth_bus_fallback_total", Help: "Event publishes degraded to local fan-out."},
}

// HistogramDefs lists every exported histogram in a stable order.
var HistogramDefs = []HistogramDef{
	{ID: tenauth.MetricAuthorizeLatency, Name: "tenauth_authorize_latency_seconds", Help: "Authorize latency histogram."},
}

// HistogramBounds are the upper bounds of the core latency buckets, seconds.
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

// HistogramBoundSuffix mirrors HistogramBounds with metric-name-safe text.
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

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed core
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// Prometheus histograms expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
