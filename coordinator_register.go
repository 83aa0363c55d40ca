package jianwen

import (
	"context"
	"log/slog"
	"strings"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// Register creates the provider account, signs in with it and creates the
// profile, ending authenticated. The profile insert needs the session the
// sign-in establishes.
//
// A taken identifier yields ErrAlreadyRegistered whether the provider or the
// profile store detected it.
func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) (*Profile, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := c.validateInput(req); err != nil {
		c.metrics.Inc(MetricRegisterFailure)
		return nil, err
	}

	var out *Profile
	err := c.serialize(ctx, "register", c.config.Queue.SerializeRegister, func(ctx context.Context) error {
		p, err := c.register(ctx, req)
		out = p
		return err
	})
	return out, err
}

func (c *Coordinator) register(ctx context.Context, req RegisterRequest) (*Profile, error) {
	c.loginWindow.open(c.now())
	defer func() { c.loginWindow.close(c.now()) }()

	if err := c.transition(ctx, authstate.Authenticating, nil); err != nil {
		c.metrics.Inc(MetricRegisterFailure)
		return nil, invalidStateError(err)
	}
	defer c.settleLoading(ctx)

	logger := c.logger.With(slog.String("op_id", queue.OperationID(ctx)))

	if _, err := timeout.Run(ctx, c.logger, "sign-up", c.budgets.Login, func(ctx context.Context) (*Identity, error) {
		return c.provider.SignUp(ctx, req.Identifier, req.Secret)
	}); err != nil {
		return nil, c.registerFailed(ctx, "", "sign-up", err)
	}

	res, err := timeout.Run(ctx, c.logger, "login", c.budgets.Login, func(ctx context.Context) (*SignInResult, error) {
		return c.provider.SignInWithPassword(ctx, req.Identifier, req.Secret)
	})
	if err != nil {
		return nil, c.registerFailed(ctx, "", "sign-in", err)
	}
	if res == nil || res.User == nil {
		return nil, c.registerFailed(ctx, "", "sign-in", newError(CodeNoUserReturned, ErrNoUserReturned, "", nil))
	}

	identity := res.User
	phone := identity.Phone
	if !strings.Contains(req.Identifier, "@") {
		phone = req.Identifier
	}
	now := c.now().UTC()
	record := Profile{
		ID:        identity.ID,
		Phone:     phone,
		Nickname:  req.DisplayName,
		IsPublic:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	profile, err := timeout.Run(ctx, c.logger, "create-profile", c.budgets.ProfileLoad, func(ctx context.Context) (*Profile, error) {
		return c.profiles.InsertProfile(ctx, record)
	})
	if err == nil && profile == nil {
		profile = &record
	}
	if err != nil {
		c.clearCache(ctx, cache.ClearMissingProfile)
		c.signOutQuietly(ctx)
		_ = c.transition(ctx, authstate.Idle, nil)

		var derr error
		if isDuplicate(err) {
			c.metrics.Inc(MetricRegisterDuplicate)
			derr = classifyProviderError(err)
		} else {
			c.metrics.Inc(MetricRegisterFailure)
			derr = newError(CodeProfileCreateFailed, ErrProfileCreate, "creating the profile failed", err)
		}
		logger.WarnContext(ctx, "profile creation failed", slog.String("user_id", identity.ID), slog.Any("error", err))
		c.emitAudit(ctx, AuditRegister, false, identity.ID, derr, map[string]string{"phase": "profile"})
		return nil, derr
	}

	if err := c.transition(ctx, authstate.Authenticated, profile); err != nil {
		c.metrics.Inc(MetricRegisterFailure)
		return nil, invalidStateError(err)
	}

	c.metrics.Inc(MetricRegisterSuccess)
	logger.InfoContext(ctx, "registration completed", slog.String("user_id", identity.ID))
	c.emitAudit(ctx, AuditRegister, true, identity.ID, nil, nil)
	return profile.clone(), nil
}

// registerFailed settles a provider-side registration failure.
func (c *Coordinator) registerFailed(ctx context.Context, userID, phase string, err error) error {
	_ = c.transition(ctx, authstate.Error, nil)

	derr := classifyProviderError(err)
	if isDuplicate(err) {
		c.metrics.Inc(MetricRegisterDuplicate)
	} else {
		c.metrics.Inc(MetricRegisterFailure)
	}
	c.logger.WarnContext(ctx, "registration rejected",
		slog.String("op_id", queue.OperationID(ctx)),
		slog.String("phase", phase),
		slog.String("code", string(CodeOf(derr))),
	)
	c.emitAudit(ctx, AuditRegister, false, userID, derr, map[string]string{"phase": phase})
	return derr
}
