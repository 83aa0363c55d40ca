package timeout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is matched by every *Error through errors.Is.
var ErrTimeout = errors.New("operation timed out")

// ErrPanic wraps a panic raised by a guarded operation.
var ErrPanic = errors.New("operation panicked")

// Error reports that an operation did not settle within its budget.
type Error struct {
	Operation string
	Budget    time.Duration
	At        time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Operation, e.Budget.Milliseconds())
}

// Is makes errors.Is(err, ErrTimeout) hold for any *Error.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout reports whether err carries a timeout produced by this package.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Budgets groups the per-phase limits used by the coordinator.
type Budgets struct {
	Login          time.Duration
	ProfileLoad    time.Duration
	Initialization time.Duration
}

// DefaultBudgets returns 10s for every phase.
func DefaultBudgets() Budgets {
	return Budgets{
		Login:          10 * time.Second,
		ProfileLoad:    10 * time.Second,
		Initialization: 10 * time.Second,
	}
}

type result[T any] struct {
	value T
	err   error
}

// Run races fn against budget. The context handed to fn is cancelled once
// the race is decided, but fn is never forcibly stopped; a late result is
// discarded. A non-positive budget runs fn without a deadline.
func Run[T any](ctx context.Context, logger *slog.Logger, name string, budget time.Duration, fn func(context.Context) (T, error)) (T, error) {
	h := Start(ctx, logger, name, budget, fn)
	defer h.stop()
	return h.Wait()
}

// RunWithFallback behaves like Run but resolves to fallback when the budget
// elapses. Failures other than a timeout are returned unchanged.
func RunWithFallback[T any](ctx context.Context, logger *slog.Logger, name string, budget time.Duration, fallback T, fn func(context.Context) (T, error)) (T, error) {
	v, err := Run(ctx, logger, name, budget, fn)
	if err != nil && IsTimeout(err) {
		return fallback, nil
	}
	return v, err
}

// Handle is a running guarded operation.
type Handle[T any] struct {
	name   string
	budget time.Duration
	logger *slog.Logger

	parent context.Context
	cancel context.CancelFunc
	done   chan result[T]

	mu     sync.Mutex
	timer  *time.Timer
	fired  chan struct{}
	disarm chan struct{}
	once   sync.Once
}

// Start launches fn and arms the timer. Cancel disarms the timer without
// touching fn; Wait then blocks until fn settles or ctx is done.
func Start[T any](ctx context.Context, logger *slog.Logger, name string, budget time.Duration, fn func(context.Context) (T, error)) *Handle[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opCtx, cancel := context.WithCancel(ctx)
	h := &Handle[T]{
		name:   name,
		budget: budget,
		logger: logger,
		parent: ctx,
		cancel: cancel,
		done:   make(chan result[T], 1),
		fired:  make(chan struct{}),
		disarm: make(chan struct{}),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.done <- result[T]{err: fmt.Errorf("%w: %s: %v", ErrPanic, name, r)}
			}
		}()
		v, err := fn(opCtx)
		h.done <- result[T]{value: v, err: err}
	}()

	if budget > 0 {
		h.timer = time.AfterFunc(budget, func() { close(h.fired) })
	}
	return h
}

// Cancel disarms the timer. It is safe to call more than once.
func (h *Handle[T]) Cancel() {
	h.once.Do(func() {
		h.mu.Lock()
		if h.timer != nil {
			h.timer.Stop()
		}
		h.mu.Unlock()
		close(h.disarm)
	})
}

// Wait blocks until the operation settles, the budget elapses or the parent
// context is done.
func (h *Handle[T]) Wait() (T, error) {
	var zero T

	fired := h.fired
	if h.timer == nil {
		fired = nil
	}

	for {
		select {
		case r := <-h.done:
			h.done <- r
			return r.value, r.err
		case <-fired:
			select {
			case <-h.disarm:
				fired = nil
				continue
			default:
			}
			// fn may have settled in the same instant; prefer its result.
			select {
			case r := <-h.done:
				h.done <- r
				return r.value, r.err
			default:
			}
			h.cancel()
			err := &Error{Operation: h.name, Budget: h.budget, At: time.Now()}
			h.logTimeout(err)
			return zero, err
		case <-h.disarm:
			fired = nil
		case <-h.parent.Done():
			return zero, h.parent.Err()
		}
	}
}

func (h *Handle[T]) stop() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	h.cancel()
}

// logTimeout writes straight to the handler: timeouts are recorded at any
// configured level, at WARN when that is enabled and ERROR otherwise.
func (h *Handle[T]) logTimeout(err *Error) {
	handler := h.logger.Handler()
	level := slog.LevelWarn
	if !handler.Enabled(h.parent, level) {
		level = slog.LevelError
	}
	r := slog.NewRecord(time.Now(), level, "operation timed out", 0)
	r.AddAttrs(
		slog.String("operation", err.Operation),
		slog.Int64("budget_ms", err.Budget.Milliseconds()),
		slog.Time("timestamp", err.At),
	)
	_ = handler.Handle(h.parent, r)
}
