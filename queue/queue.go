package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ErrCleared settles entries removed by Clear before they started.
var ErrCleared = errors.New("queue: operation cleared before start")

// Func is a unit of work run exclusively by the queue worker.
type Func func(ctx context.Context) error

// Stats is a diagnostic snapshot of a Queue.
type Stats struct {
	Length     int
	Processing bool
	Submitted  uint64
	Completed  uint64
	Failed     uint64
}

type entry struct {
	id         string
	name       string
	ctx        context.Context
	fn         Func
	enqueuedAt time.Time
	done       chan error
}

type opIDKey struct{}

// OperationID returns the id of the queued operation running under ctx.
func OperationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(opIDKey{}).(string)
	return id
}

// Queue runs submitted operations one at a time in submission order. A
// worker goroutine exists only while entries are pending.
type Queue struct {
	logger *slog.Logger

	mu         sync.Mutex
	pending    []*entry
	processing bool
	submitted  uint64
	completed  uint64
	failed     uint64
	idle       chan struct{}
}

// New returns an empty Queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{logger: logger}
}

// Submit appends fn and returns a channel that receives fn's outcome exactly
// once.
func (q *Queue) Submit(ctx context.Context, name string, fn Func) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	if fn == nil {
		done <- fmt.Errorf("queue: nil operation %q", name)
		return done
	}

	q.mu.Lock()
	q.submitted++
	e := &entry{
		id:         name + "-" + strconv.FormatUint(q.submitted, 10),
		name:       name,
		ctx:        ctx,
		fn:         fn,
		enqueuedAt: time.Now(),
		done:       done,
	}
	q.pending = append(q.pending, e)
	start := !q.processing
	if start {
		q.processing = true
		q.idle = make(chan struct{})
	}
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.DebugContext(ctx, "operation queued", slog.String("op_id", e.id), slog.Int("depth", depth))
	if start {
		go q.drain()
	}
	return done
}

// Enqueue submits fn and waits for it to settle. It returns only when fn has
// returned, so callers observe completion rather than cancellation.
func (q *Queue) Enqueue(ctx context.Context, name string, fn Func) error {
	return <-q.Submit(ctx, name, fn)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.processing = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := q.run(e)

		q.mu.Lock()
		if err != nil {
			q.failed++
		} else {
			q.completed++
		}
		q.mu.Unlock()

		e.done <- err
	}
}

func (q *Queue) run(e *entry) (err error) {
	if cerr := e.ctx.Err(); cerr != nil {
		q.logger.DebugContext(e.ctx, "queued operation skipped", slog.String("op_id", e.id), slog.Any("error", cerr))
		return cerr
	}

	ctx := context.WithValue(e.ctx, opIDKey{}, e.id)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: operation %s panicked: %v", e.id, r)
		}
		attrs := []any{
			slog.String("op_id", e.id),
			slog.Duration("waited", start.Sub(e.enqueuedAt)),
			slog.Duration("took", time.Since(start)),
		}
		if err != nil {
			q.logger.ErrorContext(ctx, "queued operation failed", append(attrs, slog.Any("error", err))...)
			return
		}
		q.logger.DebugContext(ctx, "queued operation finished", attrs...)
	}()

	return e.fn(ctx)
}

// Clear drops every entry that has not started and settles each with
// ErrCleared. The running entry is unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range dropped {
		e.done <- ErrCleared
	}
	if len(dropped) > 0 {
		q.logger.Info("queue cleared", slog.Int("count", len(dropped)))
	}
	return len(dropped)
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.processing {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of entries waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Processing reports whether the worker is running.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Stats returns a diagnostic snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Length:     len(q.pending),
		Processing: q.processing,
		Submitted:  q.submitted,
		Completed:  q.completed,
		Failed:     q.failed,
	}
}

var (
	globalMu sync.Mutex
	global   *Queue
)

// Global returns the process-wide queue, creating it on first use. Only the
// outermost wiring code should call it; components take a *Queue.
func Global() *Queue {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(nil)
	}
	return global
}

// ResetGlobal discards the process-wide queue so the next Global call
// returns a fresh one.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
