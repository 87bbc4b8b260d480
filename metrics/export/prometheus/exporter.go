package prometheus

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tenauth/tenauth"
	"github.com/tenauth/tenauth/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() tenauth.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metric snapshots in the Prometheus text
// exposition format. It holds no state of its own; every Render call reads a
// fresh snapshot.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from the given [tenauth.Engine].
func NewPrometheusExporter(engine *tenauth.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from a custom snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves the current metrics over HTTP.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render returns the exposition body. Engines with metrics disabled produce
// an empty body.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(8192)

	for _, def := range internaldefs.CounterDefs {
		renderCounter(&b, def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		renderHistogram(&b, def.Name, def.Help, cumulative)
	}
	renderCounter(&b, "tenauth_audit_dropped_total", "Dropped audit events due to dispatcher backpressure.", dropped)

	return b.String()
}

func renderFamily(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, escapeHelp(help), name, kind)
}

func renderCounter(b *strings.Builder, name, help string, value uint64) {
	renderFamily(b, name, help, "counter")
	fmt.Fprintf(b, "%s %d\n", name, value)
}

func renderHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	renderFamily(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		fmt.Fprintf(b, "%s_bucket{le=%q} %d\n", name, le, cumulative[i])
	}
	fmt.Fprintf(b, "%s_count %d\n", name, cumulative[len(cumulative)-1])
	// Observation sums are not tracked in snapshots; emit a stable zero so
	// scrapers see a complete histogram family.
	fmt.Fprintf(b, "%s_sum 0\n", name)
}

func escapeHelp(help string) string {
	help = strings.ReplaceAll(help, "\\", "\\\\")
	return strings.ReplaceAll(help, "\n", "\\n")
}
