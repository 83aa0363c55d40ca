package jianwen

import (
	"context"
	"log/slog"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// UpdateProfile applies the present fields of u to the loaded user's profile
// and merges the stored record back into state. Without a loaded user it
// fails with ErrNotAuthenticated and changes nothing. An update with no
// fields set returns the current profile.
func (c *Coordinator) UpdateProfile(ctx context.Context, u ProfileUpdate) (*Profile, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if err := c.validateInput(u); err != nil {
		c.metrics.Inc(MetricProfileUpdateFailure)
		return nil, err
	}

	var out *Profile
	err := c.serialize(ctx, "update-profile", c.config.Queue.SerializeProfileUpdates, func(ctx context.Context) error {
		p, err := c.updateProfile(ctx, u)
		out = p
		return err
	})
	return out, err
}

func (c *Coordinator) updateProfile(ctx context.Context, u ProfileUpdate) (*Profile, error) {
	snap := c.machine.Snapshot()
	if snap.Status != authstate.Authenticated || snap.User == nil {
		return nil, newError(CodeNotAuthenticated, ErrNotAuthenticated, "sign in before editing the profile", nil)
	}
	userID := snap.User.ID

	cols := u.Columns()
	if len(cols) == 0 {
		return snap.User.clone(), nil
	}

	updated, err := timeout.Run(ctx, c.logger, "update-profile", c.budgets.ProfileLoad, func(ctx context.Context) (*Profile, error) {
		return c.profiles.UpdateProfile(ctx, userID, cols)
	})
	if err == nil && updated == nil {
		merged := snap.User.clone()
		merged.ApplyColumns(cols)
		updated = merged
	}
	if err != nil {
		c.metrics.Inc(MetricProfileUpdateFailure)
		derr := newError(CodeProfileUpdateFailed, ErrProfileUpdate, "", err)
		c.logger.WarnContext(ctx, "profile update failed",
			slog.String("op_id", queue.OperationID(ctx)),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		c.emitAudit(ctx, AuditProfileUpdate, false, userID, derr, nil)
		return nil, derr
	}

	if err := c.machine.ReplaceUser(updated); err != nil {
		c.metrics.Inc(MetricProfileUpdateFailure)
		return nil, newError(CodeNotAuthenticated, ErrNotAuthenticated, "signed out while the profile was being saved", err)
	}

	c.metrics.Inc(MetricProfileUpdateSuccess)
	c.emitAudit(ctx, AuditProfileUpdate, true, userID, nil, map[string]string{
		"columns": columnList(cols),
	})
	return updated.clone(), nil
}

func columnList(cols map[string]any) string {
	out := ""
	for _, name := range []string{ColumnNickname, ColumnBio, ColumnAvatarURL, ColumnAge, ColumnHeightCM, ColumnWeightKG, ColumnIsPublic, ColumnInterests} {
		if _, ok := cols[name]; !ok {
			continue
		}
		if out != "" {
			out += ","
		}
		out += name
	}
	return out
}
