package gotrue

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config points the client at a GoTrue-compatible auth endpoint.
type Config struct {
	// BaseURL is the auth root, e.g. https://<ref>.supabase.co/auth/v1.
	BaseURL string
	// APIKey is sent as the apikey header on every request.
	APIKey string
	// SessionKey names the persisted session blob. Empty derives
	// sb-<ref>-auth-token from BaseURL's first host label.
	SessionKey string
	// PhoneEmailDomain maps phone identifiers to <phone>@<domain> emails.
	// Empty sends phone identifiers as phone sign-ins.
	PhoneEmailDomain string

	HTTPTimeout time.Duration
	// RefreshMargin is how long before expiry the access token is rotated.
	RefreshMargin time.Duration
	// RefreshRetry is the delay before retrying a refresh that failed on the
	// network.
	RefreshRetry time.Duration

	RequestsPerSecond float64
	Burst             int

	Breaker BreakerConfig
}

// BreakerConfig configures the circuit breaker around the auth endpoint.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultConfig() Config {
	return Config{
		HTTPTimeout:       10 * time.Second,
		RefreshMargin:     60 * time.Second,
		RefreshRetry:      10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             10,
		Breaker: BreakerConfig{
			MaxRequests:  1,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			FailureRatio: 0.5,
			MinRequests:  5,
		},
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("gotrue: base URL must be absolute")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("gotrue: http timeout must be > 0")
	}
	if c.RefreshMargin < 0 || c.RefreshRetry <= 0 {
		return errors.New("gotrue: refresh margin must be >= 0 and retry > 0")
	}
	if c.RequestsPerSecond <= 0 || c.Burst <= 0 {
		return errors.New("gotrue: rate limit must be > 0")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return errors.New("gotrue: breaker failure ratio must be in (0, 1]")
	}
	return nil
}

func (c *Config) sessionKey() string {
	if c.SessionKey != "" {
		return c.SessionKey
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "sb-auth-token"
	}
	ref, _, _ := strings.Cut(u.Hostname(), ".")
	return "sb-" + ref + "-auth-token"
}
