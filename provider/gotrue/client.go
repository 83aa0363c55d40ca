// Package gotrue implements jianwen.IdentityProvider over the REST API of a
// GoTrue-compatible auth server.
//
// The client persists the session blob into the durable store the way the
// hosted JavaScript SDK does, rotates the access token shortly before it
// expires and publishes the resulting push events.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/events"
	"github.com/SmallHorseBrother/jianwen-community-sub000/session"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
)

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client talks to the auth server. It holds at most one session.
type Client struct {
	cfg     Config
	key     string
	http    *http.Client
	store   storage.Store
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	hub     *events.Hub[jianwen.AuthEvent]
	logger  *slog.Logger
	now     func() time.Time
	// flight collapses concurrent refreshes of one refresh token, which the
	// server would otherwise treat as reuse.
	flight singleflight.Group

	mu      sync.Mutex
	current *jianwen.Session
	timer   *time.Timer
	closed  bool
}

// New returns a Client persisting its session blob into store, the durable
// scope the coordinator validates.
func New(cfg Config, store storage.Store, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("gotrue: store is required")
	}

	c := &Client{
		cfg:     cfg,
		key:     cfg.sessionKey(),
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		hub:     events.NewHub[jianwen.AuthEvent](),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	bc := cfg.Breaker
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "gotrue",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var ae *apiError
			return errors.As(err, &ae) && ae.status < 500
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("auth circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c, nil
}

// SessionKey is the storage key of the persisted session blob.
func (c *Client) SessionKey() string {
	return c.key
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// SignInWithPassword exchanges credentials for a session.
func (c *Client) SignInWithPassword(ctx context.Context, identifier, secret string) (*jianwen.SignInResult, error) {
	body := c.credentials(identifier, secret)
	var resp tokenResponse
	if err := c.call(ctx, http.MethodPost, "/token?grant_type=password", "", body, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return &jianwen.SignInResult{}, nil
	}

	sess := resp.session(c.now())
	if err := c.adopt(ctx, sess); err != nil {
		return nil, err
	}
	c.publish(jianwen.EventSignedIn, sess)

	user := sess.User
	return &jianwen.SignInResult{Session: copySession(sess), User: &user}, nil
}

// SignUp creates an account. Servers with autoconfirm return a session,
// which is discarded so the caller signs in explicitly.
func (c *Client) SignUp(ctx context.Context, identifier, secret string) (*jianwen.Identity, error) {
	body := c.credentials(identifier, secret)
	var resp signUpResponse
	if err := c.call(ctx, http.MethodPost, "/signup", "", body, &resp); err != nil {
		return nil, err
	}
	u := resp.User
	if u == nil && resp.ID != "" {
		u = &resp.userResponse
	}
	if u == nil {
		return nil, fmt.Errorf("gotrue: signup returned no user")
	}
	ident := u.identity()
	return &ident, nil
}

// SignOut revokes the session server-side. Local state is cleared and
// SIGNED_OUT published even when the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.stopTimerLocked()
	c.mu.Unlock()

	var err error
	if cur != nil {
		err = c.call(ctx, http.MethodPost, "/logout", cur.AccessToken, nil, nil)
	}
	if rerr := c.store.Remove(context.WithoutCancel(ctx), c.key); rerr != nil {
		c.logger.WarnContext(ctx, "gotrue could not remove session blob", slog.Any("error", rerr))
	}
	c.publish(jianwen.EventSignedOut, nil)
	return err
}

// GetSession returns the live session. After a restart it is restored from
// the persisted blob, refreshing it first when the access token expired.
func (c *Client) GetSession(ctx context.Context) (*jianwen.Session, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur != nil && cur.ExpiresAt.After(c.now()) {
		return copySession(cur), nil
	}

	if cur == nil {
		restored, err := c.restore(ctx)
		if err != nil || restored == nil {
			return nil, err
		}
		cur = restored
		if cur.ExpiresAt.After(c.now().Add(c.cfg.RefreshMargin)) {
			c.mu.Lock()
			c.current = cur
			c.scheduleLocked(cur)
			c.mu.Unlock()
			return copySession(cur), nil
		}
	}

	if cur.RefreshToken == "" {
		return nil, nil
	}
	sess, err := c.refresh(ctx, cur.RefreshToken)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.rejected() {
			c.drop(ctx)
			return nil, nil
		}
		return nil, err
	}
	return copySession(sess), nil
}

// Subscribe implements jianwen.IdentityProvider.
func (c *Client) Subscribe(buffer int) (<-chan jianwen.AuthEvent, func()) {
	return c.hub.Subscribe(buffer)
}

// Close stops the refresh timer and ends every subscription.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.mu.Unlock()
	c.hub.Close()
}

func (c *Client) credentials(identifier, secret string) map[string]string {
	id := strings.TrimSpace(identifier)
	switch {
	case strings.Contains(id, "@"):
		return map[string]string{"email": strings.ToLower(id), "password": secret}
	case c.cfg.PhoneEmailDomain != "":
		return map[string]string{"email": id + "@" + c.cfg.PhoneEmailDomain, "password": secret}
	default:
		return map[string]string{"phone": id, "password": secret}
	}
}

func (c *Client) restore(ctx context.Context) (*jianwen.Session, error) {
	raw, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("gotrue: read session blob: %w", err)
	}
	if !ok {
		return nil, nil
	}
	art, err := session.Normalize(raw)
	if err != nil || !art.Present() {
		return nil, nil
	}
	sess := &jianwen.Session{
		AccessToken:  art.AccessToken,
		RefreshToken: art.RefreshToken,
		ExpiresAt:    art.ExpiresAt,
	}
	if art.User != nil {
		sess.User = jianwen.Identity{
			ID:          art.User.ID,
			Email:       art.User.Email,
			Phone:       art.User.Phone,
			ConfirmedAt: art.User.ConfirmedAt,
		}
	}
	return sess, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*jianwen.Session, error) {
	v, err, _ := c.flight.Do(refreshToken, func() (any, error) {
		return c.refreshOnce(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jianwen.Session), nil
}

func (c *Client) refreshOnce(ctx context.Context, refreshToken string) (*jianwen.Session, error) {
	var resp tokenResponse
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.call(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil || resp.AccessToken == "" {
		return nil, errors.New("gotrue: refresh returned no session")
	}
	sess := resp.session(c.now())
	if err := c.adopt(ctx, sess); err != nil {
		return nil, err
	}
	c.publish(jianwen.EventTokenRefreshed, sess)
	return sess, nil
}

// adopt persists sess and makes it current.
func (c *Client) adopt(ctx context.Context, sess *jianwen.Session) error {
	u := sess.User
	raw, err := session.Encode(session.Artifact{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
		User:         &session.User{ID: u.ID, Email: u.Email, Phone: u.Phone, ConfirmedAt: u.ConfirmedAt},
	}, c.now())
	if err != nil {
		return fmt.Errorf("gotrue: encode session: %w", err)
	}
	if err := c.store.Set(ctx, c.key, raw); err != nil {
		return fmt.Errorf("gotrue: persist session: %w", err)
	}

	c.mu.Lock()
	c.current = sess
	c.scheduleLocked(sess)
	c.mu.Unlock()
	return nil
}

// drop forgets a session the server no longer accepts.
func (c *Client) drop(ctx context.Context) {
	c.mu.Lock()
	c.current = nil
	c.stopTimerLocked()
	c.mu.Unlock()
	if err := c.store.Remove(context.WithoutCancel(ctx), c.key); err != nil {
		c.logger.WarnContext(ctx, "gotrue could not remove session blob", slog.Any("error", err))
	}
	c.publish(jianwen.EventSignedOut, nil)
}

func (c *Client) scheduleLocked(sess *jianwen.Session) {
	c.stopTimerLocked()
	if c.closed || sess.RefreshToken == "" || sess.ExpiresAt.IsZero() {
		return
	}
	delay := sess.ExpiresAt.Sub(c.now()) - c.cfg.RefreshMargin
	if delay < 0 {
		delay = 0
	}
	c.armLocked(delay, sess.RefreshToken)
}

func (c *Client) armLocked(delay time.Duration, refreshToken string) {
	c.timer = time.AfterFunc(delay, func() { c.autoRefresh(refreshToken) })
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) autoRefresh(refreshToken string) {
	c.mu.Lock()
	stale := c.closed || c.current == nil || c.current.RefreshToken != refreshToken
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()

	_, err := c.refresh(ctx, refreshToken)
	if err == nil {
		return
	}

	var ae *apiError
	if errors.As(err, &ae) && ae.rejected() {
		c.logger.Warn("gotrue refresh token rejected, signing out", slog.Any("error", err))
		c.drop(ctx)
		return
	}

	c.logger.Warn("gotrue refresh failed, retrying", slog.Any("error", err), slog.Duration("retry_in", c.cfg.RefreshRetry))
	c.mu.Lock()
	if !c.closed && c.current != nil && c.current.RefreshToken == refreshToken {
		c.armLocked(c.cfg.RefreshRetry, refreshToken)
	}
	c.mu.Unlock()
}

func (c *Client) publish(kind jianwen.AuthEventKind, sess *jianwen.Session) {
	c.hub.Publish(jianwen.AuthEvent{Kind: kind, Session: copySession(sess), At: c.now()})
}

// call sends one request through the limiter and the breaker and decodes a
// 2xx body into out.
func (c *Client) call(ctx context.Context, method, path, bearer string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("gotrue: encode request: %w", err)
		}
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, method, path, bearer, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("gotrue: %w: %v", jianwen.ErrProviderNetwork, err)
		}
		return err
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("gotrue: decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, payload []byte) ([]byte, error) {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("gotrue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gotrue: %w: %v", jianwen.ErrProviderNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gotrue: %w: read body: %v", jianwen.ErrProviderNetwork, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, parseAPIError(resp.StatusCode, data)
}

func copySession(s *jianwen.Session) *jianwen.Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
