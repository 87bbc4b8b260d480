package tenauth

import (
	"context"
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/tenauth/tenauth/flow"
	"github.com/tenauth/tenauth/internal/rate"
	"github.com/tenauth/tenauth/keyring"
	"github.com/tenauth/tenauth/pending"
	"github.com/tenauth/tenauth/token"
)

// Builder assembles an [Engine]. Construction is allocation-only until
// Build, which validates the configuration and wires every subsystem.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	directory UserDirectory
	magicLink MagicLinkSender
	auditSink AuditSink

	verifiers map[flow.NodeType]flow.Verifier
	handlers  map[flow.NodeType]flow.SyncHandler

	built bool
}

// New starts a builder with defaults.
func New() *Builder {
	return &Builder{
		config:    defaultConfig(),
		verifiers: make(map[flow.NodeType]flow.Verifier),
		handlers:  make(map[flow.NodeType]flow.SyncHandler),
	}
}

// WithConfig replaces the configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client shared by every store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithMasterKey sets the 32-byte key sealing private signing keys at rest.
func (b *Builder) WithMasterKey(key []byte) *Builder {
	b.config.Keys.MasterKey = append([]byte(nil), key...)
	return b
}

// WithIssuerBase sets the public base URL tenant issuers derive from.
func (b *Builder) WithIssuerBase(base string) *Builder {
	b.config.Token.IssuerBase = base
	return b
}

// WithUserDirectory injects the host's subject directory.
func (b *Builder) WithUserDirectory(d UserDirectory) *Builder {
	b.directory = d
	return b
}

// WithMagicLinkSender injects the sign-in link transport.
func (b *Builder) WithMagicLinkSender(s MagicLinkSender) *Builder {
	b.magicLink = s
	return b
}

// WithAuditSink injects the audit destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithVerifier registers the verifier completing one suspending node type
// (captcha, MFA, webhook callbacks).
func (b *Builder) WithVerifier(t flow.NodeType, v flow.Verifier) *Builder {
	b.verifiers[t] = v
	return b
}

// WithSyncHandler registers the handler for one synchronous node type
// (enrichment, fingerprinting, threat checks).
func (b *Builder) WithSyncHandler(t flow.NodeType, h flow.SyncHandler) *Builder {
	b.handlers[t] = h
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the engine. A builder builds
// exactly once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.directory == nil {
		return nil, errors.New("user directory required")
	}

	keys, err := keyring.NewStore(b.redis, cfg.Keys.RedisPrefix, cfg.Keys.MasterKey, cfg.Keys.RetirementGrace)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(cfg.Metrics)

	var (
		store pending.Store
		bus   pending.Bus
	)
	local := pending.NewLocalBus()
	if cfg.Pending.LocalOnly {
		store = pending.NewMemoryStore()
		bus = local
	} else {
		store = pending.NewRedisStore(b.redis, cfg.Pending.RedisPrefix)
		failover := pending.NewFailoverBus(pending.NewRedisBus(b.redis, cfg.Pending.BusPrefix), local)
		failover.OnFallback = func() { metrics.Inc(MetricBusFallback) }
		bus = failover
	}
	coordinator := pending.NewCoordinator(store, bus, cfg.Pending.TTL)

	issuer := token.NewIssuer(b.redis, keys, token.Config{
		IssuerBase:     cfg.Token.IssuerBase,
		CodeTTL:        cfg.Token.CodeTTL,
		AccessTokenTTL: cfg.Token.AccessTTL,
		IDTokenTTL:     cfg.Token.IDTokenTTL,
		RefreshTTL:     cfg.Token.RefreshTTL,
		CodePrefix:     cfg.Token.CodePrefix,
		SessionPrefix:  cfg.Token.SessionPrefix,
	})

	flowStore := flow.NewStore(b.redis, cfg.Flow.RedisPrefix)
	limiter := rate.New(b.redis, cfg.RateLimit.RedisPrefix)

	engine := &Engine{
		config:      cfg,
		redis:       b.redis,
		keys:        keys,
		coordinator: coordinator,
		issuer:      issuer,
		flowStore:   flowStore,
		rateLimiter: limiter,
		consent:     newConsentStore(b.redis, cfg.Consent),
		audit:       newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:     metrics,
		directory:   b.directory,
		magicLink:   b.magicLink,
	}

	handlers := make(map[flow.NodeType]flow.SyncHandler, len(b.handlers)+1)
	for t, h := range b.handlers {
		handlers[t] = h
	}
	if _, registered := handlers[flow.TypeNotification]; !registered && b.magicLink != nil {
		handlers[flow.TypeNotification] = notificationHandler(b.magicLink)
	}

	engine.flowEngine = flow.NewEngine(flow.EngineOptions{
		Flows:       flowStore,
		Coordinator: coordinator,
		Issuer:      issuer,
		Limiter:     limiter,
		Handlers:    handlers,
		Verifiers:   b.verifiers,
	})

	b.built = true
	return engine, nil
}

// notificationHandler delivers a sign-in link when the flow asks for one.
// Failures are logged, never fatal: notification is a side channel.
func notificationHandler(sender MagicLinkSender) flow.SyncHandler {
	return flow.SyncHandlerFunc(func(ctx context.Context, req *pending.Request, node *flow.Node) (*flow.SyncResult, error) {
		email, _ := node.Config["email_signal"].(string)
		addr := ""
		if email != "" {
			if v, ok := req.Signal(email); ok {
				addr, _ = v.(string)
			}
		}
		if addr == "" {
			return nil, nil
		}
		link, _ := node.Config["link"].(string)
		if err := sender.Send(ctx, req.TenantID, addr, link); err != nil {
			log.Printf("tenauth: magic link send failed: %v", err)
		}
		return &flow.SyncResult{Signals: map[string]any{"notification_sent": true}}, nil
	})
}
