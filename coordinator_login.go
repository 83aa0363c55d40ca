package jianwen

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// Login signs in with the identity provider and loads the matching profile.
// It runs through the operation queue, so it starts only after every
// previously submitted operation has settled.
//
// On return the state is never loading. On success it is authenticated with
// the returned profile; on failure it is logged out and the error is an
// *Error.
func (c *Coordinator) Login(ctx context.Context, identifier, secret string) (*Profile, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	creds := Credentials{Identifier: strings.TrimSpace(identifier), Secret: secret}
	if err := c.validateInput(creds); err != nil {
		c.metrics.Inc(MetricLoginFailure)
		return nil, err
	}

	var out *Profile
	err := c.queue.Enqueue(ctx, "login", func(ctx context.Context) error {
		p, err := c.login(ctx, creds)
		out = p
		return err
	})
	return out, err
}

func (c *Coordinator) login(ctx context.Context, creds Credentials) (*Profile, error) {
	start := c.now()
	c.loginWindow.open(start)
	defer func() { c.loginWindow.close(c.now()) }()

	if err := c.transition(ctx, authstate.Authenticating, nil); err != nil {
		c.metrics.Inc(MetricLoginFailure)
		return nil, invalidStateError(err)
	}
	defer c.settleLoading(ctx)

	logger := c.logger.With(slog.String("op_id", queue.OperationID(ctx)))
	logger.InfoContext(ctx, "login started")

	res, err := timeout.Run(ctx, c.logger, "login", c.budgets.Login, func(ctx context.Context) (*SignInResult, error) {
		return c.provider.SignInWithPassword(ctx, creds.Identifier, creds.Secret)
	})
	if err != nil {
		if timeout.IsTimeout(err) {
			c.metrics.Inc(MetricLoginTimeout)
		}
		c.metrics.Inc(MetricLoginFailure)
		_ = c.transition(ctx, authstate.Error, nil)
		derr := classifyProviderError(err)
		logger.WarnContext(ctx, "login rejected", slog.String("code", string(CodeOf(derr))))
		c.emitAudit(ctx, AuditLogin, false, "", derr, nil)
		return nil, derr
	}
	if res == nil || res.User == nil {
		c.metrics.Inc(MetricLoginFailure)
		_ = c.transition(ctx, authstate.Error, nil)
		derr := newError(CodeNoUserReturned, ErrNoUserReturned, "", nil)
		c.emitAudit(ctx, AuditLogin, false, "", derr, nil)
		return nil, derr
	}

	userID := res.User.ID
	profile, err := c.loadProfile(ctx, "load-profile", c.budgets.ProfileLoad, userID)
	if err != nil {
		reason := cache.ClearProfileLoadFailed
		if errors.Is(err, ErrProfileMissing) {
			reason = cache.ClearMissingProfile
		}
		c.metrics.Inc(MetricProfileLoadFailure)
		c.metrics.Inc(MetricLoginFailure)
		c.clearCache(ctx, reason)
		c.signOutQuietly(ctx)
		_ = c.transition(ctx, authstate.Idle, nil)

		derr := profileLoadError(err)
		logger.WarnContext(ctx, "login profile load failed",
			slog.String("user_id", userID),
			slog.String("code", string(CodeOf(derr))),
			slog.Any("error", err),
		)
		c.emitAudit(ctx, AuditLogin, false, userID, derr, map[string]string{"phase": "profile"})
		return nil, derr
	}

	if err := c.transition(ctx, authstate.Authenticated, profile); err != nil {
		c.metrics.Inc(MetricLoginFailure)
		return nil, invalidStateError(err)
	}

	c.metrics.Inc(MetricLoginSuccess)
	c.metrics.Observe(MetricLoginLatency, c.now().Sub(start))
	logger.InfoContext(ctx, "login succeeded", slog.String("user_id", userID))
	c.emitAudit(ctx, AuditLogin, true, userID, nil, nil)
	return profile.clone(), nil
}
