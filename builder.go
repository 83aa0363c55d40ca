package jianwen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/audit"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
)

// Builder assembles a Coordinator. A Builder is single use.
type Builder struct {
	config Config

	provider IdentityProvider
	profiles ProfileStore
	durable  storage.Store
	scoped   storage.Store
	queue    *queue.Queue
	logger   *slog.Logger

	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. cfg is copied.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithIdentityProvider sets the hosted auth service. Required.
func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.provider = p
	return b
}

// WithProfileStore sets where profiles are read and written. Required.
func (b *Builder) WithProfileStore(s ProfileStore) *Builder {
	b.profiles = s
	return b
}

// WithStorage sets the two persistence scopes the identity provider writes
// its session blob to. scoped may be nil, in which case an in-memory scope
// that lives as long as the Coordinator is used.
func (b *Builder) WithStorage(durable, scoped storage.Store) *Builder {
	b.durable = durable
	b.scoped = scoped
	return b
}

// WithQueue shares an operation queue with other components. Without it the
// Coordinator gets a private queue; pass queue.Global() to serialize against
// everything else in the process that uses the global one.
func (b *Builder) WithQueue(q *queue.Queue) *Builder {
	b.queue = q
	return b
}

// WithLogger sets the logger. A nil logger falls back to slog.Default().
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink enables audit emission to sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithMetricsEnabled turns the in-process counters on or off.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms records login and hydration latency. It has no
// effect unless metrics are enabled.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, subscribes to provider events and
// returns a Coordinator in the initializing state. Call HydrateSession
// before anything else.
func (b *Builder) Build() (*Coordinator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.provider == nil {
		return nil, errors.New("identity provider required")
	}
	if b.profiles == nil {
		return nil, errors.New("profile store required")
	}
	if b.durable == nil {
		return nil, errors.New("durable storage required")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	scoped := b.scoped
	if scoped == nil {
		scoped = storage.NewMemory()
	}
	q := b.queue
	if q == nil {
		q = queue.New(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:   cfg,
		budgets:  cfg.Timeouts.budgets(),
		provider: b.provider,
		profiles: b.profiles,
		cache: cache.New(cache.Config{
			Prefix:     cfg.Cache.KeyPrefix,
			Substrings: cfg.Cache.KeySubstrings,
		}, b.durable, scoped, logger),
		queue:        q,
		machine:      authstate.NewMachine[Profile](logger),
		logger:       logger,
		metrics:      NewMetrics(cfg.Metrics),
		validate:     newValidator(),
		loginWindow:  newSuppressionWindow(cfg.Login.SuppressionGrace, cfg.Login.MaxSuppression),
		logoutWindow: newSuppressionWindow(cfg.Login.SuppressionGrace, cfg.Login.MaxSuppression),
		ctx:          ctx,
		cancel:       cancel,
		stop:         make(chan struct{}),
		listenerDone: make(chan struct{}),
		now:          time.Now,
	}
	c.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink, logger)

	if err := c.machine.Transition(authstate.Initializing, nil); err != nil {
		cancel()
		c.audit.Close()
		return nil, err
	}

	events, unsubscribe := b.provider.Subscribe(cfg.Login.EventBuffer)
	c.unsubscribe = unsubscribe
	go c.listen(events)

	b.built = true
	return c, nil
}
