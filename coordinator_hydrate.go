package jianwen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// HydrateSession restores the auth state at startup from the persisted
// session and the provider. It is not queued and must finish before the
// first queued operation is submitted.
//
// Every failure resolves to logged out, with a targeted cache purge where the
// persisted data can no longer be trusted. It never leaves the state loading.
func (c *Coordinator) HydrateSession(ctx context.Context) (state AuthState) {
	if c.closed.Load() {
		return c.State()
	}
	if c.machine.Status() != authstate.Initializing {
		if err := c.transition(ctx, authstate.Initializing, nil); err != nil {
			return c.State()
		}
	}

	start := c.now()
	userID := ""
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "session hydration panicked", slog.Any("panic", r))
			c.clearCache(ctx, cache.ClearCorruptedSession)
			_ = c.transition(ctx, authstate.Idle, nil)
		}
		_, _ = c.machine.TransitionIf(authstate.Initializing, authstate.Idle, nil)

		state = c.State()
		if state.IsAuthenticated {
			c.metrics.Inc(MetricHydrateAuthenticated)
		} else {
			c.metrics.Inc(MetricHydrateLoggedOut)
		}
		c.metrics.Observe(MetricHydrateLatency, c.now().Sub(start))
		c.emitAudit(ctx, AuditHydrate, state.IsAuthenticated, userID, nil, map[string]string{
			"status": state.Status.String(),
		})
	}()

	res := c.cache.Validate(ctx)
	if !res.IsValid {
		switch {
		case res.Reason == cache.ReasonExpired:
			c.clearCache(ctx, cache.ClearExpiredSession)
		case res.Reason == cache.ReasonCorrupted, res.HasSession:
			c.clearCache(ctx, cache.ClearCorruptedSession)
		}
		c.logger.InfoContext(ctx, "no usable persisted session", slog.String("reason", res.Reason))
		_ = c.transition(ctx, authstate.Idle, nil)
		return
	}

	sess, err := timeout.Run(ctx, c.logger, "get-session", c.budgets.Initialization, c.provider.GetSession)
	if err != nil {
		c.hydrateFailed(ctx, "get-session", err)
		return
	}
	if sess == nil {
		c.logger.InfoContext(ctx, "provider has no session")
		_ = c.transition(ctx, authstate.Idle, nil)
		return
	}
	userID = sess.User.ID

	profile, err := c.loadProfile(ctx, "load-profile", c.budgets.Initialization, userID)
	if err != nil {
		c.metrics.Inc(MetricProfileLoadFailure)
		c.hydrateFailed(ctx, "load-profile", err)
		return
	}

	if err := c.transition(ctx, authstate.Authenticated, profile); err != nil {
		c.hydrateFailed(ctx, "restore", fmt.Errorf("restore state: %w", err))
		return
	}
	c.logger.InfoContext(ctx, "session restored", slog.String("user_id", userID))
	return
}

func (c *Coordinator) hydrateFailed(ctx context.Context, phase string, err error) {
	reason := cache.ClearCorruptedSession
	switch {
	case errors.Is(err, ErrProfileMissing):
		reason = cache.ClearMissingProfile
	case isNetworkError(err):
		reason = cache.ClearNetworkError
	}
	c.logger.WarnContext(ctx, "session hydration failed",
		slog.String("phase", phase),
		slog.String("reason", string(reason)),
		slog.Any("error", err),
	)
	c.clearCache(ctx, reason)
	_ = c.transition(ctx, authstate.Idle, nil)
}
