// Package memory is an in-process identity provider. It behaves like the
// hosted auth service as far as the coordinator can tell: it hashes secrets,
// mints JWT access tokens, persists the session blob into the durable scope
// and pushes auth events.
//
// It backs tests, the load test harness and local development.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/events"
	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/rate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/jwt"
	"github.com/SmallHorseBrother/jianwen-community-sub000/password"
	"github.com/SmallHorseBrother/jianwen-community-sub000/session"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
)

// DefaultSessionKey follows the hosted SDK convention sb-<project>-auth-token.
const DefaultSessionKey = "sb-local-auth-token"

type account struct {
	id          string
	email       string
	phone       string
	hash        string
	confirmedAt *time.Time
}

func (a *account) identity() jianwen.Identity {
	return jianwen.Identity{ID: a.id, Email: a.email, Phone: a.phone, ConfirmedAt: a.confirmedAt}
}

// Option customizes a Provider.
type Option func(*Provider)

// WithStorage persists the session blob under key in s.
func WithStorage(s storage.Store, key string) Option {
	return func(p *Provider) {
		p.store = s
		if key != "" {
			p.key = key
		}
	}
}

// WithLatency delays every call by d, honouring cancellation.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithConfirmation makes new accounts unusable until Confirm is called.
func WithConfirmation(required bool) Option {
	return func(p *Provider) { p.requireConfirm = required }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// AttemptLimiter throttles failed sign-ins per identifier. Check and Fail
// return an error wrapping jianwen.ErrProviderRateLimited once attempts run
// out; any other error is treated as the limiter being unavailable.
type AttemptLimiter interface {
	Check(ctx context.Context, identifier string) error
	Fail(ctx context.Context, identifier string) error
	Reset(ctx context.Context, identifier string) error
}

// WithAttemptLimiter throttles password sign-ins through l.
func WithAttemptLimiter(l AttemptLimiter) Option {
	return func(p *Provider) { p.limiter = l }
}

// WithPasswordConfig overrides the Argon2id costs.
func WithPasswordConfig(cfg password.Config) Option {
	return func(p *Provider) { p.passwordCfg = cfg }
}

// Provider implements jianwen.IdentityProvider in memory. It holds one
// current session, like a browser tab.
type Provider struct {
	tokens         *jwt.Manager
	hasher         *password.Argon2
	passwordCfg    password.Config
	store          storage.Store
	key            string
	latency        time.Duration
	requireConfirm bool
	now            func() time.Time
	logger         *slog.Logger
	hub            *events.Hub[jianwen.AuthEvent]
	limiter        AttemptLimiter

	mu       sync.Mutex
	accounts map[string]*account
	byID     map[string]*account
	current  *jianwen.Session
}

// New returns a Provider. A nil tokens manager gets a random HS256 secret.
func New(tokens *jwt.Manager, opts ...Option) (*Provider, error) {
	p := &Provider{
		tokens:      tokens,
		passwordCfg: password.DefaultConfig(),
		key:         DefaultSessionKey,
		now:         time.Now,
		logger:      slog.Default(),
		hub:         events.NewHub[jianwen.AuthEvent](),
		accounts:    make(map[string]*account),
		byID:        make(map[string]*account),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.tokens == nil {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		m, err := jwt.NewManager(jwt.Config{
			AccessTTL:     time.Hour,
			SigningMethod: jwt.MethodHS256,
			PrivateKey:    secret,
			Issuer:        "memory-provider",
		})
		if err != nil {
			return nil, err
		}
		p.tokens = m
	}

	h, err := password.NewArgon2(p.passwordCfg)
	if err != nil {
		return nil, fmt.Errorf("memory provider: %w", err)
	}
	p.hasher = h
	return p, nil
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SignUp creates an account. Identifiers containing '@' are emails,
// everything else is a phone number.
func (p *Provider) SignUp(ctx context.Context, identifier, secret string) (*jianwen.Identity, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	id := normalizeIdentifier(identifier)
	if id == "" {
		return nil, errors.New("memory provider: identifier required")
	}

	hash, err := p.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("memory provider: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.accounts[id]; exists {
		return nil, fmt.Errorf("memory provider: %s: %w", identifier, jianwen.ErrProviderAlreadyRegistered)
	}

	acct := &account{id: uuid.NewString(), hash: hash}
	if strings.Contains(id, "@") {
		acct.email = id
	} else {
		acct.phone = id
	}
	if !p.requireConfirm {
		now := p.now().UTC()
		acct.confirmedAt = &now
	}
	p.accounts[id] = acct
	p.byID[acct.id] = acct

	ident := acct.identity()
	return &ident, nil
}

// Confirm marks the account as confirmed.
func (p *Provider) Confirm(identifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[normalizeIdentifier(identifier)]
	if !ok {
		return fmt.Errorf("memory provider: unknown account %q", identifier)
	}
	now := p.now().UTC()
	acct.confirmedAt = &now
	return nil
}

// SignInWithPassword verifies the secret, starts a session, persists its
// blob and publishes SIGNED_IN.
func (p *Provider) SignInWithPassword(ctx context.Context, identifier, secret string) (*jianwen.SignInResult, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	ident := normalizeIdentifier(identifier)
	if p.limiter != nil {
		if err := p.limiter.Check(ctx, ident); err != nil {
			if lerr := p.limited(err); lerr != nil {
				return nil, lerr
			}
		}
	}

	p.mu.Lock()
	acct, ok := p.accounts[ident]
	p.mu.Unlock()
	match := false
	if ok {
		var err error
		if match, err = p.hasher.Verify(secret, acct.hash); err != nil {
			return nil, fmt.Errorf("memory provider: %w", err)
		}
	}
	if !match {
		if p.limiter != nil {
			if err := p.limiter.Fail(ctx, ident); err != nil && !isRateLimited(err) {
				p.logger.Warn("memory provider: record failed attempt", slog.Any("error", err))
			}
		}
		return nil, jianwen.ErrProviderInvalidCredentials
	}
	if p.limiter != nil {
		if err := p.limiter.Reset(ctx, ident); err != nil {
			p.logger.Warn("memory provider: reset attempts", slog.Any("error", err))
		}
	}
	if acct.confirmedAt == nil {
		return nil, jianwen.ErrProviderUnconfirmed
	}

	sess, err := p.issue(acct)
	if err != nil {
		return nil, err
	}
	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()
	p.publish(jianwen.EventSignedIn, sess)

	user := sess.User
	return &jianwen.SignInResult{Session: copySession(sess), User: &user}, nil
}

func isRateLimited(err error) bool {
	return errors.Is(err, rate.ErrRateLimited) || errors.Is(err, jianwen.ErrProviderRateLimited)
}

// limited maps a limiter refusal onto the provider sentinels. A limiter
// backend failure lets the attempt through.
func (p *Provider) limited(err error) error {
	if errors.Is(err, jianwen.ErrProviderRateLimited) {
		return err
	}
	if errors.Is(err, rate.ErrRateLimited) {
		return fmt.Errorf("%w: %v", jianwen.ErrProviderRateLimited, err)
	}
	p.logger.Warn("memory provider: attempt limiter unavailable", slog.Any("error", err))
	return nil
}

func (p *Provider) issue(acct *account) (*jianwen.Session, error) {
	access, expiresAt, err := p.tokens.CreateAccess(acct.id, acct.email, acct.phone, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("memory provider: mint token: %w", err)
	}
	return &jianwen.Session{
		AccessToken:  access,
		RefreshToken: uuid.NewString(),
		ExpiresAt:    expiresAt,
		User:         acct.identity(),
	}, nil
}

func (p *Provider) persist(ctx context.Context, sess *jianwen.Session) error {
	if p.store == nil {
		return nil
	}
	u := sess.User
	raw, err := session.Encode(session.Artifact{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
		User:         &session.User{ID: u.ID, Email: u.Email, Phone: u.Phone, ConfirmedAt: u.ConfirmedAt},
	}, p.now())
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, p.key, raw); err != nil {
		return fmt.Errorf("memory provider: persist session: %w", err)
	}
	return nil
}

// SignOut ends the current session, removes its blob and publishes
// SIGNED_OUT.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.Remove(ctx, p.key); err != nil {
			p.logger.WarnContext(ctx, "memory provider could not remove session blob", slog.Any("error", err))
		}
	}
	p.publish(jianwen.EventSignedOut, nil)
	return nil
}

// GetSession returns the current session, or nil once it has expired.
func (p *Provider) GetSession(ctx context.Context) (*jianwen.Session, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.ExpiresAt.Before(p.now()) {
		return nil, nil
	}
	return copySession(p.current), nil
}

// Refresh rotates the current session's tokens and publishes
// TOKEN_REFRESHED.
func (p *Provider) Refresh(ctx context.Context) (*jianwen.Session, error) {
	p.mu.Lock()
	cur := p.current
	var acct *account
	if cur != nil {
		acct = p.byID[cur.User.ID]
	}
	p.mu.Unlock()
	if acct == nil {
		return nil, errors.New("memory provider: no session to refresh")
	}

	sess, err := p.issue(acct)
	if err != nil {
		return nil, err
	}
	if err := p.persist(ctx, sess); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()
	p.publish(jianwen.EventTokenRefreshed, sess)
	return copySession(sess), nil
}

// Revoke drops the current session as if it was ended on another device.
// The blob stays behind, like it would in a tab that missed the sign-out.
func (p *Provider) Revoke() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.publish(jianwen.EventSignedOut, nil)
}

// Subscribe implements jianwen.IdentityProvider.
func (p *Provider) Subscribe(buffer int) (<-chan jianwen.AuthEvent, func()) {
	return p.hub.Subscribe(buffer)
}

// DroppedEvents counts events lost to slow subscribers.
func (p *Provider) DroppedEvents() uint64 {
	return p.hub.Dropped()
}

// Close ends every subscription.
func (p *Provider) Close() {
	p.hub.Close()
}

func (p *Provider) publish(kind jianwen.AuthEventKind, sess *jianwen.Session) {
	p.hub.Publish(jianwen.AuthEvent{Kind: kind, Session: copySession(sess), At: p.now()})
}

func copySession(s *jianwen.Session) *jianwen.Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
