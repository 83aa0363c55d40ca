package jianwen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
)

func (c *Coordinator) listen(events <-chan AuthEvent) {
	defer close(c.listenerDone)

	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

// handleEvent reconciles one provider push event with local state. Events
// raised inside one of our own suppression windows are echoes of that
// operation and are dropped.
func (c *Coordinator) handleEvent(ev AuthEvent) {
	at := ev.At
	if at.IsZero() {
		at = c.now()
	}
	logger := c.logger.With(slog.String("event", string(ev.Kind)))

	switch ev.Kind {
	case EventSignedOut:
		if c.logoutWindow.covers(at) || c.loginWindow.covers(at) {
			c.suppressed(logger)
			return
		}
		c.forceSignedOut(logger, at)

	case EventSignedIn:
		if c.loginWindow.covers(at) {
			c.suppressed(logger)
			return
		}
		c.scheduleReload(logger, ev, at)

	case EventTokenRefreshed, EventUserUpdated:
		c.scheduleReload(logger, ev, at)

	default:
		logger.Debug("provider event ignored")
	}
}

func (c *Coordinator) suppressed(logger *slog.Logger) {
	c.metrics.Inc(MetricEventSuppressed)
	logger.Debug("provider event suppressed")
}

// noteSignOut advances lastSignOut to t unless a later sign-out is recorded.
func (c *Coordinator) noteSignOut(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.lastSignOut.Load()
		if n <= cur || c.lastSignOut.CompareAndSwap(cur, n) {
			return
		}
	}
}

// forceSignedOut applies a sign-out that happened outside this process.
// Reloads already in flight see the recorded time and drop their result.
func (c *Coordinator) forceSignedOut(logger *slog.Logger, at time.Time) {
	c.noteSignOut(at)
	snap := c.machine.Snapshot()
	if snap.Status == authstate.Idle || snap.Status == authstate.Initializing {
		return
	}
	userID := ""
	if snap.User != nil {
		userID = snap.User.ID
	}

	_ = c.transition(c.ctx, authstate.Idle, nil)
	c.metrics.Inc(MetricEventProcessed)
	logger.Info("signed out by provider", slog.String("user_id", userID))
	c.emitAudit(c.ctx, AuditForcedSignOut, true, userID, nil, nil)
}

func (c *Coordinator) scheduleReload(logger *slog.Logger, ev AuthEvent, at time.Time) {
	if ev.Session == nil || ev.Session.User.ID == "" {
		logger.Debug("provider event without session ignored")
		return
	}
	if c.logoutWindow.covers(at) {
		c.suppressed(logger)
		return
	}

	sess := ev.Session
	kind := ev.Kind
	// The listener never waits on the queue; the outcome is logged by the
	// operation itself.
	c.queue.Submit(c.ctx, "refresh-profile", func(ctx context.Context) error {
		return c.reloadProfile(ctx, kind, sess, at)
	})
}

func (c *Coordinator) reloadProfile(ctx context.Context, kind AuthEventKind, sess *Session, at time.Time) error {
	if at.UnixNano() < c.lastSignOut.Load() {
		return nil
	}

	snap := c.machine.Snapshot()
	switch snap.Status {
	case authstate.Initializing, authstate.Authenticating:
		// The running flow owns the state.
		return nil
	case authstate.Idle, authstate.Error:
		if kind != EventSignedIn {
			return nil
		}
	}

	userID := sess.User.ID
	profile, err := c.loadProfile(ctx, "refresh-profile", c.budgets.ProfileLoad, userID)
	if err != nil {
		reason := cache.ClearProfileLoadFailed
		switch {
		case errors.Is(err, ErrProfileMissing):
			reason = cache.ClearMissingProfile
		case isNetworkError(err):
			reason = cache.ClearNetworkError
		}
		c.metrics.Inc(MetricProfileLoadFailure)
		c.logger.WarnContext(ctx, "profile reload failed, signing out locally",
			slog.String("user_id", userID),
			slog.String("reason", string(reason)),
			slog.Any("error", err),
		)
		_ = c.transition(ctx, authstate.Idle, nil)
		c.clearCache(ctx, reason)
		c.emitAudit(ctx, AuditProfileReload, false, userID, profileLoadError(err), nil)
		return err
	}

	// The state may have changed while the profile was loading.
	if at.UnixNano() < c.lastSignOut.Load() {
		c.metrics.Inc(MetricEventSuppressed)
		c.logger.DebugContext(ctx, "profile reload outdated by a sign-out", slog.String("user_id", userID))
		return nil
	}
	status := c.machine.Status()
	if status != authstate.Authenticated && kind != EventSignedIn {
		return nil
	}

	if status == authstate.Authenticated {
		err = c.machine.ReplaceUser(profile)
	} else if err = c.transition(ctx, authstate.Authenticating, nil); err == nil {
		err = c.transition(ctx, authstate.Authenticated, profile)
		c.settleLoading(ctx)
	}
	if err != nil {
		return err
	}

	c.metrics.Inc(MetricEventProcessed)
	c.emitAudit(ctx, AuditProfileReload, true, userID, nil, map[string]string{"event": string(kind)})
	return nil
}
