package jianwen

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

// Sentinels that IdentityProvider and ProfileStore adapters wrap so the
// coordinator can classify their failures.
var (
	// ErrProviderInvalidCredentials is returned for a wrong identifier or secret.
	ErrProviderInvalidCredentials = errors.New("provider: invalid login credentials")
	// ErrProviderUnconfirmed is returned when the account exists but is not confirmed yet.
	ErrProviderUnconfirmed = errors.New("provider: account not confirmed")
	// ErrProviderAlreadyRegistered is returned by SignUp for a taken identifier.
	ErrProviderAlreadyRegistered = errors.New("provider: user already registered")
	// ErrProviderDuplicateIdentifier is returned by profile stores on a unique violation.
	ErrProviderDuplicateIdentifier = errors.New("provider: duplicate identifier")
	// ErrProviderRateLimited is returned when the provider throttles sign-in
	// attempts or requests.
	ErrProviderRateLimited = errors.New("provider: too many requests")
	// ErrProviderNetwork marks transport failures and unavailable backends.
	ErrProviderNetwork = errors.New("provider: network failure")
	// ErrProfileMissing is returned by GetProfile when no record exists.
	ErrProfileMissing = errors.New("profile store: profile not found")
)

// Domain errors surfaced by the Coordinator. Every surfaced failure is an
// *Error whose Kind is one of these.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountNotActivated = errors.New("account not activated")
	ErrNetworkTimeout      = errors.New("network timeout")
	ErrNetwork             = errors.New("network failure")
	ErrRateLimited         = errors.New("too many attempts")
	ErrProfileLoad         = errors.New("profile load failed")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrProfileCreate       = errors.New("profile creation failed")
	ErrProfileUpdate       = errors.New("profile update failed")
	ErrAlreadyRegistered   = errors.New("already registered")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrNoUserReturned      = errors.New("provider returned no user")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("operation not allowed in current auth state")
	ErrCoordinatorClosed   = errors.New("coordinator closed")
	ErrAuthFailed          = errors.New("authentication failed")
)

// Code is a stable identifier a UI can map to a localized message.
type Code string

const (
	CodeInvalidCredentials  Code = "invalid_credentials"
	CodeAccountNotActivated Code = "account_not_activated"
	CodeNetworkTimeout      Code = "network_timeout"
	CodeNetwork             Code = "network_error"
	CodeRateLimited         Code = "rate_limited"
	CodeProfileLoadTimeout  Code = "profile_load_timeout"
	CodeProfileLoadFailed   Code = "profile_load_failed"
	CodeProfileNotFound     Code = "profile_not_found"
	CodeProfileCreateFailed Code = "profile_create_failed"
	CodeProfileUpdateFailed Code = "profile_update_failed"
	CodeAlreadyRegistered   Code = "already_registered"
	CodeNotAuthenticated    Code = "not_authenticated"
	CodeNoUserReturned      Code = "no_user_returned"
	CodeInvalidInput        Code = "invalid_input"
	CodeInvalidState        Code = "invalid_state"
	CodeClosed              Code = "closed"
	CodeUnknown             Code = "unknown"
)

// Error is a classified failure. errors.Is matches both Kind and Cause.
type Error struct {
	Code    Code
	Message string
	Kind    error
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func newError(code Code, kind error, msg string, cause error) *Error {
	return &Error{Code: code, Kind: kind, Message: msg, Cause: cause}
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeUnknown
}

// classifyProviderError maps an identity provider or store failure onto the
// domain taxonomy. Sentinels win; raw messages are a fallback for adapters
// that only pass the backend's text through.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	switch {
	case timeout.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeNetworkTimeout, ErrNetworkTimeout, "request timed out", err)
	case errors.Is(err, ErrProviderInvalidCredentials):
		return newError(CodeInvalidCredentials, ErrInvalidCredentials, "wrong phone number or password", err)
	case errors.Is(err, ErrProviderUnconfirmed):
		return newError(CodeAccountNotActivated, ErrAccountNotActivated, "account is not activated yet", err)
	case errors.Is(err, ErrProviderAlreadyRegistered), errors.Is(err, ErrProviderDuplicateIdentifier):
		return newError(CodeAlreadyRegistered, ErrAlreadyRegistered, "this phone number is already registered", err)
	case errors.Is(err, ErrProviderRateLimited):
		return newError(CodeRateLimited, ErrRateLimited, "too many attempts, please wait and retry", err)
	case errors.Is(err, ErrProviderNetwork):
		return newError(CodeNetwork, ErrNetwork, "network failure, please retry", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid login credentials"):
		return newError(CodeInvalidCredentials, ErrInvalidCredentials, "wrong phone number or password", err)
	case strings.Contains(msg, "not confirmed"):
		return newError(CodeAccountNotActivated, ErrAccountNotActivated, "account is not activated yet", err)
	case isDuplicateMessage(msg):
		return newError(CodeAlreadyRegistered, ErrAlreadyRegistered, "this phone number is already registered", err)
	case isNetworkError(err):
		return newError(CodeNetwork, ErrNetwork, "network failure, please retry", err)
	}
	return newError(CodeUnknown, ErrAuthFailed, "", err)
}

func isDuplicateMessage(msg string) bool {
	return strings.Contains(msg, "already registered") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "23505")
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProviderAlreadyRegistered) ||
		errors.Is(err, ErrProviderDuplicateIdentifier) ||
		isDuplicateMessage(strings.ToLower(err.Error()))
}

// isNetworkError reports transport-shaped failures, timeouts included.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if timeout.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderNetwork) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "failed to fetch") ||
		strings.Contains(msg, "network") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

func profileLoadError(err error) error {
	switch {
	case errors.Is(err, ErrProfileMissing):
		return newError(CodeProfileNotFound, ErrProfileNotFound, "profile not found for this account", err)
	case timeout.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return newError(CodeProfileLoadTimeout, ErrProfileLoad, "loading the profile timed out", err)
	default:
		return newError(CodeProfileLoadFailed, ErrProfileLoad, "loading the profile failed", err)
	}
}

func invalidStateError(err error) error {
	if errors.Is(err, authstate.ErrInvalidTransition) {
		return newError(CodeInvalidState, ErrInvalidState, "", err)
	}
	return err
}
