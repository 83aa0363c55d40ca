package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/auditsink/kafka"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/rate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/provider/gotrue"
	providermem "github.com/SmallHorseBrother/jianwen-community-sub000/provider/memory"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
	"github.com/SmallHorseBrother/jianwen-community-sub000/store/postgres"
	storemem "github.com/SmallHorseBrother/jianwen-community-sub000/store/memory"
)

type app struct {
	coord    *jianwen.Coordinator
	closers  []func()
	embedded bool
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func wire(ctx context.Context, cfg config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	addr := cfg.RedisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start miniredis: %w", err)
		}
		a.closers = append(a.closers, mr.Close)
		addr = mr.Addr()
		a.embedded = true
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	a.closers = append(a.closers, func() { _ = rdb.Close() })

	durable, err := storage.NewRedis(rdb, cfg.RedisNamespace)
	if err != nil {
		return nil, err
	}

	var provider jianwen.IdentityProvider
	switch cfg.Provider {
	case "gotrue":
		gcfg := gotrue.DefaultConfig()
		gcfg.BaseURL = cfg.GoTrueURL
		gcfg.APIKey = cfg.GoTrueAPIKey
		gcfg.PhoneEmailDomain = cfg.PhoneEmailDomain
		gcfg.HTTPTimeout = cfg.Timeout
		c, err := gotrue.New(gcfg, durable, gotrue.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		provider = c
	default:
		rcfg := rate.DefaultConfig()
		rcfg.Prefix = cfg.RedisNamespace
		limiter, err := rate.New(rdb, rcfg)
		if err != nil {
			return nil, err
		}
		p, err := providermem.New(nil,
			providermem.WithStorage(durable, ""),
			providermem.WithAttemptLimiter(limiter),
			providermem.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		provider = p
	}

	var profiles jianwen.ProfileStore = storemem.New()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		profiles = postgres.New(pool)
	}

	jcfg := jianwen.DefaultConfig()
	jcfg.Timeouts.Login = cfg.Timeout
	jcfg.Timeouts.ProfileLoad = cfg.Timeout
	jcfg.Timeouts.Initialization = cfg.Timeout

	b := jianwen.New().
		WithConfig(jcfg).
		WithIdentityProvider(provider).
		WithProfileStore(profiles).
		WithStorage(durable, storage.NewMemory()).
		WithQueue(queue.Global()).
		WithLogger(logger).
		WithMetricsEnabled(true)

	if len(cfg.AuditKafkaBrokers) > 0 {
		sink, err := kafka.New(kafka.DefaultConfig(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic), logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sink.Close() })
		b = b.WithAuditSink(sink)
	}

	coord, err := b.Build()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = coord.Close() })
	a.coord = coord

	ok = true
	return a, nil
}
