package jianwen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/session"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
)

const testBlobKey = "sb-test-auth-token"

type fakeAccount struct {
	id     string
	secret string
}

// fakeProvider is a scriptable IdentityProvider. It writes a session blob to
// its store on sign-in and removes it on sign-out, like the hosted SDK.
type fakeProvider struct {
	store storage.Store

	mu          sync.Mutex
	accounts    map[string]fakeAccount
	nextID      int
	session     *Session
	signInErr   error
	signUpErr   error
	signOutErr  error
	sessionErr  error
	signInDelay time.Duration
	noUser      bool
	subs        []chan AuthEvent

	signInCalls  int
	signOutCalls int
}

func newFakeProvider(store storage.Store) *fakeProvider {
	return &fakeProvider{store: store, accounts: map[string]fakeAccount{}}
}

func (p *fakeProvider) addAccount(identifier, secret string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("user-%d", p.nextID)
	p.accounts[identifier] = fakeAccount{id: id, secret: secret}
	return id
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakeProvider) SignInWithPassword(ctx context.Context, identifier, secret string) (*SignInResult, error) {
	p.mu.Lock()
	p.signInCalls++
	delay, scripted, noUser := p.signInDelay, p.signInErr, p.noUser
	acct, ok := p.accounts[identifier]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}
	if !ok || acct.secret != secret {
		return nil, ErrProviderInvalidCredentials
	}
	if noUser {
		return &SignInResult{}, nil
	}

	sess := &Session{
		AccessToken:  "access-" + acct.id,
		RefreshToken: "refresh-" + acct.id,
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         Identity{ID: acct.id, Phone: identifier},
	}
	if err := writeBlob(ctx, p.store, sess); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.session = sess
	p.mu.Unlock()
	p.emit(AuthEvent{Kind: EventSignedIn, Session: sess, At: time.Now()})

	user := sess.User
	return &SignInResult{Session: sess, User: &user}, nil
}

func (p *fakeProvider) SignUp(_ context.Context, identifier, secret string) (*Identity, error) {
	p.mu.Lock()
	scripted := p.signUpErr
	_, exists := p.accounts[identifier]
	p.mu.Unlock()

	if scripted != nil {
		return nil, scripted
	}
	if exists {
		return nil, errors.New("User already registered")
	}
	id := p.addAccount(identifier, secret)
	return &Identity{ID: id, Phone: identifier}, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signOutCalls++
	p.session = nil
	scripted := p.signOutErr
	p.mu.Unlock()

	if p.store != nil {
		_ = p.store.Remove(ctx, testBlobKey)
	}
	p.emit(AuthEvent{Kind: EventSignedOut, At: time.Now()})
	return scripted
}

func (p *fakeProvider) GetSession(context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	return p.session, nil
}

func (p *fakeProvider) Subscribe(buffer int) (<-chan AuthEvent, func()) {
	ch := make(chan AuthEvent, buffer)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, s := range p.subs {
				if s == ch {
					p.subs = append(p.subs[:i], p.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (p *fakeProvider) emit(ev AuthEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (p *fakeProvider) counts() (signIn, signOut int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signInCalls, p.signOutCalls
}

func writeBlob(ctx context.Context, s storage.Store, sess *Session) error {
	if s == nil {
		return nil
	}
	raw, err := session.Encode(session.Artifact{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		ExpiresAt:    sess.ExpiresAt,
		User:         &session.User{ID: sess.User.ID, Phone: sess.User.Phone},
	}, time.Now())
	if err != nil {
		return err
	}
	return s.Set(ctx, testBlobKey, raw)
}

// fakeProfiles is a scriptable ProfileStore.
type fakeProfiles struct {
	mu        sync.Mutex
	profiles  map[string]Profile
	getErr    error
	getDelay  time.Duration
	insertErr error
	updateErr error
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: map[string]Profile{}}
}

func (s *fakeProfiles) put(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *fakeProfiles) set(fn func(s *fakeProfiles)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeProfiles) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	s.mu.Lock()
	delay, scripted := s.getDelay, s.getErr
	p, ok := s.profiles[userID]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrProfileMissing)
	}
	return p.clone(), nil
}

func (s *fakeProfiles) InsertProfile(_ context.Context, p Profile) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	for _, existing := range s.profiles {
		if existing.ID == p.ID || (p.Phone != "" && existing.Phone == p.Phone) {
			return nil, fmt.Errorf("insert profile: %w", ErrProviderDuplicateIdentifier)
		}
	}
	s.profiles[p.ID] = p
	return p.clone(), nil
}

func (s *fakeProfiles) UpdateProfile(_ context.Context, userID string, cols map[string]any) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("update profile %s: %w", userID, ErrProfileMissing)
	}
	p.ApplyColumns(cols)
	p.UpdatedAt = time.Now().UTC()
	s.profiles[userID] = p
	return p.clone(), nil
}

type testEnv struct {
	coord    *Coordinator
	provider *fakeProvider
	profiles *fakeProfiles
	durable  *storage.Memory
	scoped   *storage.Memory
	logs     *bytes.Buffer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeouts = TimeoutConfig{
		Login:          500 * time.Millisecond,
		ProfileLoad:    500 * time.Millisecond,
		Initialization: 500 * time.Millisecond,
	}
	cfg.Login.SuppressionGrace = 50 * time.Millisecond
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	durable := storage.NewMemory()
	scoped := storage.NewMemory()
	provider := newFakeProvider(durable)
	profiles := newFakeProfiles()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := New().
		WithConfig(cfg).
		WithIdentityProvider(provider).
		WithProfileStore(profiles).
		WithStorage(durable, scoped).
		WithLogger(logger).
		Build()
	if err != nil {
		t.Fatalf("build coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return &testEnv{
		coord:    c,
		provider: provider,
		profiles: profiles,
		durable:  durable,
		scoped:   scoped,
		logs:     &logs,
	}
}

// seedUser creates a provider account with a matching profile.
func (e *testEnv) seedUser(identifier, secret, nickname string) string {
	id := e.provider.addAccount(identifier, secret)
	now := time.Now().UTC()
	e.profiles.put(Profile{ID: id, Phone: identifier, Nickname: nickname, IsPublic: true, CreatedAt: now, UpdatedAt: now})
	return id
}

func (e *testEnv) hydrate(t *testing.T) AuthState {
	t.Helper()
	return e.coord.HydrateSession(context.Background())
}

func assertConsistent(t *testing.T, st AuthState) {
	t.Helper()
	if st.IsLoading {
		t.Fatalf("state still loading: %+v", st)
	}
	if st.IsAuthenticated != (st.User != nil) {
		t.Fatalf("isAuthenticated=%v but user=%v", st.IsAuthenticated, st.User)
	}
}

func providerKeys(t *testing.T, e *testEnv) []string {
	t.Helper()
	return e.coord.cache.ListSessionKeys(context.Background())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
