package tenauth

import (
	"github.com/redis/go-redis/v9"

	"github.com/tenauth/tenauth/flow"
	"github.com/tenauth/tenauth/internal/rate"
	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/pending"
	"github.com/tenauth/tenauth/token"
)

// Engine is the authorization core. Build one through [New]; it is safe for
// concurrent use and immutable after Build.
type Engine struct {
	config Config
	redis  redis.UniversalClient

	keys        *keyring.Store
	coordinator *pending.Coordinator
	issuer      *token.Issuer
	flowStore   *flow.Store
	flowEngine  *flow.Engine
	rateLimiter *rate.Limiter
	consent     *consentStore

	audit   *auditDispatcher
	metrics *Metrics

	directory UserDirectory
	magicLink MagicLinkSender
}

// Close flushes the audit dispatcher and releases background resources.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were shed under pressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies every counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Metrics exposes the live counter set for exporters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
