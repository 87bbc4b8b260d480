package tenauth

import (
	"errors"
	"strings"
	"time"
)

// Config is the single configuration surface of the engine. Construct it via
// defaults and override what the deployment needs; Build validates the
// result once, never per call.
type Config struct {
	Keys      KeysConfig
	Pending   PendingConfig
	Token     TokenConfig
	Flow      FlowConfig
	RateLimit RateLimitConfig
	Consent   ConsentConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

// KeysConfig governs the signing-key lifecycle.
type KeysConfig struct {
	RedisPrefix string
	// MasterKey seals private keys at rest; must be exactly 32 bytes.
	MasterKey []byte
	// RetirementGrace keeps retired keys verifiable after promotion. It
	// must cover at least the access-token TTL.
	RetirementGrace time.Duration
}

// PendingConfig governs in-flight authorization requests.
type PendingConfig struct {
	RedisPrefix string
	BusPrefix   string
	TTL         time.Duration
	// LocalOnly skips the Redis bus and store, using in-process state.
	// Single-instance deployments only.
	LocalOnly bool
}

// TokenConfig governs codes, tokens, and refresh sessions.
type TokenConfig struct {
	IssuerBase    string
	CodeTTL       time.Duration
	AccessTTL     time.Duration
	IDTokenTTL    time.Duration
	RefreshTTL    time.Duration
	CodePrefix    string
	SessionPrefix string
}

// FlowConfig governs flow and prompt definitions.
type FlowConfig struct {
	RedisPrefix string
}

// RateLimitConfig governs the fixed-window limiter.
type RateLimitConfig struct {
	RedisPrefix string
	// AuthorizeLimit bounds authorize calls per client IP within
	// AuthorizeWindow; zero disables the engine-level guard (flow nodes
	// may still rate limit).
	AuthorizeLimit  int
	AuthorizeWindow time.Duration
}

// ConsentConfig governs remembered consent grants.
type ConsentConfig struct {
	RedisPrefix string
	// TTL bounds how long a remembered grant skips the consent prompt;
	// zero remembers until revoked.
	TTL time.Duration
}

// AuditConfig governs the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig governs in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Keys: KeysConfig{
			RedisPrefix:     "tk",
			RetirementGrace: time.Hour,
		},
		Pending: PendingConfig{
			RedisPrefix: "pr",
			BusPrefix:   "prb",
			TTL:         10 * time.Minute,
		},
		Token: TokenConfig{
			CodeTTL:       5 * time.Minute,
			AccessTTL:     15 * time.Minute,
			IDTokenTTL:    5 * time.Minute,
			RefreshTTL:    30 * 24 * time.Hour,
			CodePrefix:    "ac",
			SessionPrefix: "ts",
		},
		Flow: FlowConfig{
			RedisPrefix: "fl",
		},
		RateLimit: RateLimitConfig{
			RedisPrefix:     "rl",
			AuthorizeLimit:  60,
			AuthorizeWindow: time.Minute,
		},
		Consent: ConsentConfig{
			RedisPrefix: "cs",
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Keys.MasterKey) != 32 {
		return errors.New("Keys.MasterKey must be exactly 32 bytes")
	}
	if c.Keys.RetirementGrace < c.Token.AccessTTL {
		return errors.New("Keys.RetirementGrace must cover Token.AccessTTL")
	}
	if c.Token.IssuerBase == "" {
		return errors.New("Token.IssuerBase required")
	}
	if !strings.HasPrefix(c.Token.IssuerBase, "https://") &&
		!strings.HasPrefix(c.Token.IssuerBase, "http://") {
		return errors.New("Token.IssuerBase must be an absolute URL")
	}
	if c.Pending.TTL <= 0 {
		return errors.New("Pending.TTL must be positive")
	}
	if c.Token.CodeTTL <= 0 || c.Token.AccessTTL <= 0 || c.Token.IDTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.Token.CodeTTL > c.Pending.TTL {
		return errors.New("Token.CodeTTL must not exceed Pending.TTL")
	}
	if c.RateLimit.AuthorizeLimit > 0 && c.RateLimit.AuthorizeWindow <= 0 {
		return errors.New("RateLimit.AuthorizeWindow must be positive when a limit is set")
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	if len(c.Keys.MasterKey) > 0 {
		out.Keys.MasterKey = append([]byte(nil), c.Keys.MasterKey...)
	}
	return out
}
