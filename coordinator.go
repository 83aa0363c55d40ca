package jianwen

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/cache"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/audit"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// Coordinator owns the in-memory auth state and is the only component that
// mutates it. Login, logout and, by default, register and profile updates
// run one at a time through the operation queue.
type Coordinator struct {
	config   Config
	budgets  timeout.Budgets
	provider IdentityProvider
	profiles ProfileStore
	cache    *cache.Validator
	queue    *queue.Queue
	machine  *authstate.Machine[Profile]
	logger   *slog.Logger
	audit    *audit.Dispatcher
	metrics  *Metrics
	validate *validator.Validate

	loginWindow  *suppressionWindow
	logoutWindow *suppressionWindow
	// lastSignOut is the unix nano time of the latest local logout or
	// provider sign-out. It only moves forward.
	lastSignOut atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	unsubscribe  func()
	stop         chan struct{}
	listenerDone chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once

	now func() time.Time
}

// State returns a copy of the current auth state.
func (c *Coordinator) State() AuthState {
	return stateFromSnapshot(c.machine.Snapshot())
}

func stateFromSnapshot(s authstate.Snapshot[Profile]) AuthState {
	return AuthState{
		User:            s.User.clone(),
		IsAuthenticated: s.User != nil,
		IsLoading:       authstate.IsLoadingState(s.Status),
		Status:          s.Status,
	}
}

// OnStateChange calls fn after every state change until the returned cancel
// function is called. fn runs on the goroutine that made the change and must
// not block.
func (c *Coordinator) OnStateChange(fn func(AuthState)) (cancel func()) {
	return c.machine.Observe(func(_, next authstate.Snapshot[Profile]) {
		fn(stateFromSnapshot(next))
	})
}

// QueueStats reports the operation queue backing this Coordinator.
func (c *Coordinator) QueueStats() queue.Stats {
	return c.queue.Stats()
}

// CacheStats summarizes the persisted session artifacts.
func (c *Coordinator) CacheStats(ctx context.Context) cache.Stats {
	return c.cache.Stats(ctx)
}

// ValidateCache classifies the persisted session artifacts without changing
// them.
func (c *Coordinator) ValidateCache(ctx context.Context) cache.Result {
	return c.cache.Validate(ctx)
}

// ClearCache purges the persisted session artifacts. In-memory state is left
// alone. It returns the number of keys removed.
func (c *Coordinator) ClearCache(ctx context.Context) int {
	return c.clearCache(ctx, cache.ClearManual)
}

func (c *Coordinator) clearCache(ctx context.Context, reason cache.ClearReason) int {
	n := c.cache.Clear(context.WithoutCancel(ctx), reason)
	c.metrics.Inc(MetricCacheCleared)
	c.emitAudit(ctx, AuditCacheCleared, true, "", nil, map[string]string{
		"reason": string(reason),
	})
	return n
}

// MetricsSnapshot returns the in-process counters.
func (c *Coordinator) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped reports audit events lost to a full buffer.
func (c *Coordinator) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// Close stops the event listener and flushes pending audit events. The
// shared queue is left running. Operations called after Close fail with
// ErrCoordinatorClosed.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.stop)
		<-c.listenerDone
		c.audit.Close()
	})
	return nil
}

func (c *Coordinator) checkOpen() error {
	if c.closed.Load() {
		return newError(CodeClosed, ErrCoordinatorClosed, "", nil)
	}
	return nil
}

// serialize runs fn through the queue when queued is set and inline
// otherwise.
func (c *Coordinator) serialize(ctx context.Context, name string, queued bool, fn queue.Func) error {
	if !queued {
		return fn(ctx)
	}
	return c.queue.Enqueue(ctx, name, fn)
}

// settleLoading is the exit net of every flow that enters Authenticating.
func (c *Coordinator) settleLoading(ctx context.Context) {
	ok, err := c.machine.TransitionIf(authstate.Authenticating, authstate.Error, nil)
	if ok {
		c.logger.WarnContext(ctx, "auth operation exited while loading", slog.String("op_id", queue.OperationID(ctx)))
	}
	if err != nil {
		c.metrics.Inc(MetricInvalidTransition)
	}
}

func (c *Coordinator) transition(ctx context.Context, to authstate.Status, user *Profile) error {
	err := c.machine.Transition(to, user)
	if err != nil {
		c.metrics.Inc(MetricInvalidTransition)
		c.logger.WarnContext(ctx, "state transition failed",
			slog.String("to", to.String()),
			slog.String("op_id", queue.OperationID(ctx)),
			slog.Any("error", err),
		)
	}
	return err
}

func (c *Coordinator) loadProfile(ctx context.Context, name string, budget time.Duration, userID string) (*Profile, error) {
	p, err := timeout.Run(ctx, c.logger, name, budget, func(ctx context.Context) (*Profile, error) {
		return c.profiles.GetProfile(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileMissing
	}
	return p, nil
}

// signOutQuietly ends the provider session after a failed flow. Its failure
// is logged only.
func (c *Coordinator) signOutQuietly(ctx context.Context) {
	_, err := timeout.Run(context.WithoutCancel(ctx), c.logger, "sign-out", c.budgets.Login, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.provider.SignOut(ctx)
	})
	if err != nil {
		c.logger.WarnContext(ctx, "provider sign-out failed", slog.String("op_id", queue.OperationID(ctx)), slog.Any("error", err))
	}
}
