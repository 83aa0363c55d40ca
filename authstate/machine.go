package authstate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Status is the coarse auth lifecycle position.
type Status uint8

const (
	Idle Status = iota
	Initializing
	Authenticating
	Authenticated
	Error
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initializing:
		return "initializing"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("authstate: invalid transition")

// ErrUserRequired is returned when entering Authenticated without a user.
var ErrUserRequired = errors.New("authstate: authenticated state requires a user")

// TransitionError describes a rejected transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("authstate: invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[Status][]Status{
	Idle:           {Initializing, Authenticating},
	Initializing:   {Authenticated, Idle, Error},
	Authenticating: {Authenticated, Error, Idle},
	Authenticated:  {Idle},
	Error:          {Idle, Authenticating},
}

// IsValidTransition is a pure lookup in the transition table.
func IsValidTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanUserInteract is true when no auth operation is in flight or done.
func CanUserInteract(s Status) bool { return s == Idle || s == Error }

// IsLoadingState is true while an auth operation is in flight.
func IsLoadingState(s Status) bool { return s == Initializing || s == Authenticating }

// IsAuthenticated is true only in the Authenticated state.
func IsAuthenticated(s Status) bool { return s == Authenticated }

// Snapshot is an immutable view of a Machine.
type Snapshot[U any] struct {
	Status Status
	User   *U
}

// Observer is notified after every applied change, outside the machine lock.
type Observer[U any] func(prev, next Snapshot[U])

// Machine holds the single auth status together with the loaded user. The
// user is non-nil exactly when the status is Authenticated.
type Machine[U any] struct {
	logger *slog.Logger

	mu        sync.RWMutex
	status    Status
	user      *U
	observers map[int]Observer[U]
	nextObs   int
}

// NewMachine returns a Machine in Idle.
func NewMachine[U any](logger *slog.Logger) *Machine[U] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine[U]{logger: logger, observers: make(map[int]Observer[U])}
}

// Snapshot returns the current status and user.
func (m *Machine[U]) Snapshot() Snapshot[U] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot[U]{Status: m.status, User: m.user}
}

// Status returns the current status.
func (m *Machine[U]) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Transition moves to the target status. Entering Authenticated requires a
// user; every other status drops the user. Re-entering Idle or Error is a
// no-op. Transitions outside the table are rejected and logged.
func (m *Machine[U]) Transition(to Status, user *U) error {
	if to == Authenticated && user == nil {
		return ErrUserRequired
	}

	m.mu.Lock()
	from := m.status
	if from == to && (to == Idle || to == Error) {
		m.mu.Unlock()
		return nil
	}
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		err := &TransitionError{From: from, To: to}
		m.logger.Warn("rejected auth transition", slog.String("from", from.String()), slog.String("to", to.String()))
		return err
	}

	prev := Snapshot[U]{Status: from, User: m.user}
	m.status = to
	if to == Authenticated {
		m.user = user
	} else {
		m.user = nil
	}
	next := Snapshot[U]{Status: m.status, User: m.user}
	obs := m.observerList()
	m.mu.Unlock()

	m.logger.Debug("auth transition", slog.String("from", from.String()), slog.String("to", to.String()))
	notify(obs, prev, next)
	return nil
}

// TransitionIf applies the transition only when the current status is from.
// It reports whether the transition was applied.
func (m *Machine[U]) TransitionIf(from, to Status, user *U) (bool, error) {
	m.mu.RLock()
	current := m.status
	m.mu.RUnlock()
	if current != from {
		return false, nil
	}
	if err := m.Transition(to, user); err != nil {
		return false, err
	}
	return true, nil
}

// ReplaceUser swaps the loaded user while staying Authenticated.
func (m *Machine[U]) ReplaceUser(user *U) error {
	if user == nil {
		return ErrUserRequired
	}

	m.mu.Lock()
	if m.status != Authenticated {
		from := m.status
		m.mu.Unlock()
		return &TransitionError{From: from, To: Authenticated}
	}
	prev := Snapshot[U]{Status: m.status, User: m.user}
	m.user = user
	next := Snapshot[U]{Status: m.status, User: m.user}
	obs := m.observerList()
	m.mu.Unlock()

	notify(obs, prev, next)
	return nil
}

// Observe registers fn and returns a function that removes it.
func (m *Machine[U]) Observe(fn Observer[U]) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Machine[U]) observerList() []Observer[U] {
	if len(m.observers) == 0 {
		return nil
	}
	out := make([]Observer[U], 0, len(m.observers))
	for _, o := range m.observers {
		out = append(out, o)
	}
	return out
}

func notify[U any](obs []Observer[U], prev, next Snapshot[U]) {
	for _, o := range obs {
		o(prev, next)
	}
}
