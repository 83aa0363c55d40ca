package gotrue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
)

type userResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Phone            string     `json:"phone"`
	ConfirmedAt      *time.Time `json:"confirmed_at"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
}

func (u *userResponse) identity() jianwen.Identity {
	confirmed := u.ConfirmedAt
	if confirmed == nil {
		confirmed = u.EmailConfirmedAt
	}
	return jianwen.Identity{ID: u.ID, Email: u.Email, Phone: u.Phone, ConfirmedAt: confirmed}
}

type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

func (t *tokenResponse) session(now time.Time) *jianwen.Session {
	var exp time.Time
	switch {
	case t.ExpiresAt > 0:
		exp = time.Unix(t.ExpiresAt, 0)
	case t.ExpiresIn > 0:
		exp = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	s := &jianwen.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    exp,
	}
	if t.User != nil {
		s.User = t.User.identity()
	}
	return s
}

// signUpResponse is either a bare user or, with autoconfirm, a session.
type signUpResponse struct {
	userResponse
	User *userResponse `json:"user"`
}

// apiError is a non-2xx answer from the auth server.
type apiError struct {
	status  int
	code    string
	message string
	kind    error
}

func (e *apiError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("gotrue: %d %s: %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("gotrue: %d: %s", e.status, e.message)
}

func (e *apiError) Unwrap() error {
	return e.kind
}

// parseAPIError reads both the legacy {error, error_description} body and
// the newer {code, error_code, msg} one.
func parseAPIError(status int, body []byte) error {
	var raw struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(body, &raw)

	e := &apiError{status: status, code: raw.ErrorCode}
	if e.code == "" {
		e.code = raw.Error
	}
	for _, m := range []string{raw.Msg, raw.ErrorDescription, raw.Message} {
		if m != "" {
			e.message = m
			break
		}
	}
	if e.message == "" {
		e.message = strings.TrimSpace(string(body))
	}

	msg := strings.ToLower(e.message)
	switch {
	case status == 429 || e.code == "over_request_rate_limit":
		e.kind = jianwen.ErrProviderRateLimited
	case status >= 500:
		e.kind = jianwen.ErrProviderNetwork
	case e.code == "invalid_credentials" || strings.Contains(msg, "invalid login credentials"):
		e.kind = jianwen.ErrProviderInvalidCredentials
	case e.code == "email_not_confirmed" || e.code == "phone_not_confirmed" || strings.Contains(msg, "not confirmed"):
		e.kind = jianwen.ErrProviderUnconfirmed
	case e.code == "user_already_exists" || strings.Contains(msg, "already registered"):
		e.kind = jianwen.ErrProviderAlreadyRegistered
	}
	return e
}

// rejected reports a definitive refusal, as opposed to throttling or an
// outage.
func (e *apiError) rejected() bool {
	return e.status >= 400 && e.status < 500 && e.status != 429
}
