package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/jwt"
)

// millisThreshold separates unix seconds from unix milliseconds in expires_at.
const millisThreshold = 1e12

// ErrCorrupt wraps every parse failure of a persisted blob.
var ErrCorrupt = errors.New("session: corrupted artifact")

// User is the identity embedded in a persisted artifact.
type User struct {
	ID          string
	Email       string
	Phone       string
	ConfirmedAt *time.Time
}

// Artifact is the canonical view of a persisted session blob, independent of
// whether the blob stored its fields flat or under a "session" object.
type Artifact struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         *User
	Nested       bool
}

// Present reports whether the blob looks like a session at all.
func (a Artifact) Present() bool {
	return a.AccessToken != "" || a.User != nil || a.Nested
}

// Expired reports whether a known expiry lies strictly before now. Artifacts
// without an expiry never expire locally.
func (a Artifact) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// Normalize parses raw and resolves each field from the flat shape first and
// the nested "session" object second. When no expires_at is stored, the exp
// claim of a JWT access token is used.
func Normalize(raw string) (Artifact, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if dec.More() {
		return Artifact{}, fmt.Errorf("%w: trailing data", ErrCorrupt)
	}

	flat, ok := doc.(map[string]any)
	if !ok {
		return Artifact{}, nil
	}
	nested, isNested := flat["session"].(map[string]any)

	lookup := func(key string) any {
		if v, ok := flat[key]; ok && v != nil {
			return v
		}
		if isNested {
			if v, ok := nested[key]; ok && v != nil {
				return v
			}
		}
		return nil
	}

	a := Artifact{Nested: isNested}
	a.AccessToken, _ = lookup("access_token").(string)
	a.RefreshToken, _ = lookup("refresh_token").(string)
	a.TokenType, _ = lookup("token_type").(string)

	if u, ok := lookup("user").(map[string]any); ok {
		a.User = parseUser(u)
	}

	if exp, ok := parseExpiry(lookup("expires_at")); ok {
		a.ExpiresAt = exp
	} else if a.AccessToken != "" {
		if exp, ok := jwt.PeekExpiry(a.AccessToken); ok {
			a.ExpiresAt = exp
		}
	}
	return a, nil
}

func parseUser(m map[string]any) *User {
	u := &User{}
	u.ID, _ = m["id"].(string)
	u.Email, _ = m["email"].(string)
	u.Phone, _ = m["phone"].(string)
	for _, key := range []string{"confirmed_at", "email_confirmed_at", "phone_confirmed_at"} {
		s, _ := m[key].(string)
		if s == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			u.ConfirmedAt = &ts
			break
		}
	}
	return u
}

func parseExpiry(v any) (time.Time, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return time.Time{}, false
		}
		f = parsed
	default:
		return time.Time{}, false
	}
	if f <= 0 {
		return time.Time{}, false
	}
	if f > millisThreshold {
		return time.UnixMilli(int64(f)), true
	}
	return time.Unix(int64(f), 0), true
}

// IsCorrupt reports whether raw cannot be parsed as JSON.
func IsCorrupt(raw string) bool {
	return !json.Valid(bytes.TrimSpace([]byte(raw)))
}
