package jianwen

import (
	"errors"
	"strings"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// Config groups every coordinator tunable.
type Config struct {
	Timeouts TimeoutConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Login    LoginConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
TIMEOUT CONFIG
====================================
*/

// TimeoutConfig bounds each network-facing phase.
type TimeoutConfig struct {
	Login          time.Duration
	ProfileLoad    time.Duration
	Initialization time.Duration
}

func (t TimeoutConfig) budgets() timeout.Budgets {
	return timeout.Budgets{
		Login:          t.Login,
		ProfileLoad:    t.ProfileLoad,
		Initialization: t.Initialization,
	}
}

/*
====================================
CACHE CONFIG
====================================
*/

// CacheConfig describes the identity provider's persisted key convention.
type CacheConfig struct {
	KeyPrefix     string
	KeySubstrings []string
}

/*
====================================
QUEUE CONFIG
====================================
*/

// QueueConfig decides which operations besides login and logout run through
// the operation queue.
type QueueConfig struct {
	SerializeRegister       bool
	SerializeProfileUpdates bool
}

/*
====================================
LOGIN CONFIG
====================================
*/

// LoginConfig controls how provider push events are reconciled with the
// coordinator's own operations.
type LoginConfig struct {
	// SuppressionGrace keeps a window open after its operation finished, to
	// absorb events the provider delivers late.
	SuppressionGrace time.Duration
	// MaxSuppression caps any window, finished or not.
	MaxSuppression time.Duration
	EventBuffer    int
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig configures the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig enables in-process counters and latency histograms.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the production defaults: 10s budgets, every
// state-mutating operation serialized, a 500ms suppression grace.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	b := timeout.DefaultBudgets()
	c := cache.DefaultConfig()
	return Config{
		Timeouts: TimeoutConfig{
			Login:          b.Login,
			ProfileLoad:    b.ProfileLoad,
			Initialization: b.Initialization,
		},
		Cache: CacheConfig{
			KeyPrefix:     c.Prefix,
			KeySubstrings: c.Substrings,
		},
		Queue: QueueConfig{
			SerializeRegister:       true,
			SerializeProfileUpdates: true,
		},
		Login: LoginConfig{
			SuppressionGrace: 500 * time.Millisecond,
			MaxSuppression:   30 * time.Second,
			EventBuffer:      16,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Cache.KeySubstrings = append([]string(nil), cfg.Cache.KeySubstrings...)
	return out
}

// Validate checks cfg for values the coordinator cannot run with.
func (c *Config) Validate() error {
	for _, d := range []time.Duration{c.Timeouts.Login, c.Timeouts.ProfileLoad, c.Timeouts.Initialization} {
		if d <= 0 {
			return errors.New("timeout budgets must be > 0")
		}
		if d > 2*time.Minute {
			return errors.New("timeout budgets must be <= 2m")
		}
	}

	if strings.TrimSpace(c.Cache.KeyPrefix) == "" && len(c.Cache.KeySubstrings) == 0 {
		return errors.New("cache key prefix or substrings must be set")
	}
	for _, s := range c.Cache.KeySubstrings {
		if strings.TrimSpace(s) == "" {
			return errors.New("cache key substrings must not be blank")
		}
	}

	if c.Login.MaxSuppression <= 0 || c.Login.MaxSuppression > 5*time.Minute {
		return errors.New("login max suppression must be in (0, 5m]")
	}
	if c.Login.SuppressionGrace < 0 || c.Login.SuppressionGrace >= c.Login.MaxSuppression {
		return errors.New("login suppression grace must be in [0, max suppression)")
	}
	if c.Login.EventBuffer <= 0 {
		return errors.New("login event buffer must be > 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit buffer size must be > 0 when audit is enabled")
	}
	return nil
}
