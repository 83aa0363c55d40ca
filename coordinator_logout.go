package jianwen

import (
	"context"
	"log/slog"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// Logout clears the in-memory state and the persisted session, then signs
// out of the provider. A failed provider sign-out is logged and otherwise
// ignored: the local state is authoritative. Logout runs through the queue.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.queue.Enqueue(ctx, "logout", c.logout)
}

func (c *Coordinator) logout(ctx context.Context) error {
	now := c.now()
	c.logoutWindow.open(now)
	defer func() { c.logoutWindow.close(c.now()) }()
	c.noteSignOut(now)

	userID := ""
	if u := c.machine.Snapshot().User; u != nil {
		userID = u.ID
	}

	_ = c.transition(ctx, authstate.Idle, nil)
	c.clearCache(ctx, cache.ClearLogout)

	_, err := timeout.Run(ctx, c.logger, "logout", c.budgets.Login, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.SignOut(ctx)
	})
	if err != nil {
		c.metrics.Inc(MetricLogoutProviderFailure)
		c.logger.WarnContext(ctx, "provider sign-out failed, local state already cleared",
			slog.String("op_id", queue.OperationID(ctx)),
			slog.Any("error", err),
		)
	}

	c.metrics.Inc(MetricLogout)
	c.emitAudit(ctx, AuditLogout, true, userID, nil, map[string]string{
		"provider_signed_out": boolString(err == nil),
	})
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
