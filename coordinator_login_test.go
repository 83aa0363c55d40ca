package jianwen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
	"github.com/SmallHorseBrother/jianwen-community-sub000/timeout"
)

func TestBuildStartsInitializing(t *testing.T) {
	env := newTestEnv(t, testConfig())

	st := env.coord.State()
	if !st.IsLoading || st.IsAuthenticated || st.User != nil {
		t.Fatalf("expected {nil,false,true}, got %+v", st)
	}
	if st.Status != authstate.Initializing {
		t.Fatalf("expected initializing, got %s", st.Status)
	}
}

func TestBuildRequiresCollaborators(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without identity provider")
	}
	if _, err := New().WithIdentityProvider(newFakeProvider(nil)).Build(); err == nil {
		t.Fatal("expected error without profile store")
	}
	if _, err := New().WithIdentityProvider(newFakeProvider(nil)).WithProfileStore(newFakeProfiles()).Build(); err == nil {
		t.Fatal("expected error without storage")
	}

	cfg := testConfig()
	cfg.Timeouts.Login = 0
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	b := New().
		WithIdentityProvider(newFakeProvider(nil)).
		WithProfileStore(newFakeProfiles()).
		WithStorage(storage.NewMemory(), nil)
	c, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer c.Close()

	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestLoginSuccess(t *testing.T) {
	env := newTestEnv(t, testConfig())
	id := env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)

	p, err := env.coord.Login(context.Background(), "13800000000", "secret123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if p.ID != id || p.Nickname != "lifter" {
		t.Fatalf("unexpected profile %+v", p)
	}

	st := env.coord.State()
	assertConsistent(t, st)
	if !st.IsAuthenticated || st.Status != authstate.Authenticated {
		t.Fatalf("expected authenticated, got %+v", st)
	}
	if got := env.coord.MetricsSnapshot().Counters[MetricLoginSuccess]; got != 1 {
		t.Fatalf("expected login success metric 1, got %d", got)
	}
}

func TestLoginReturnsCopies(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)

	p, err := env.coord.Login(context.Background(), "13800000000", "secret123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	p.Nickname = "mutated"

	if got := env.coord.State().User.Nickname; got != "lifter" {
		t.Fatalf("caller mutation leaked into state: %q", got)
	}
}

func TestLoginFailureKeepsInvariant(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(env *testEnv)
		secret   string
		wantKind error
		wantCode Code
	}{
		{
			name:     "wrong secret",
			setup:    func(env *testEnv) {},
			secret:   "wrong-secret",
			wantKind: ErrInvalidCredentials,
			wantCode: CodeInvalidCredentials,
		},
		{
			name: "unconfirmed account",
			setup: func(env *testEnv) {
				env.provider.set(func(p *fakeProvider) { p.signInErr = errors.New("Email not confirmed") })
			},
			secret:   "secret123",
			wantKind: ErrAccountNotActivated,
			wantCode: CodeAccountNotActivated,
		},
		{
			name: "network failure",
			setup: func(env *testEnv) {
				env.provider.set(func(p *fakeProvider) { p.signInErr = errors.New("Failed to fetch") })
			},
			secret:   "secret123",
			wantKind: ErrNetwork,
			wantCode: CodeNetwork,
		},
		{
			name: "throttled",
			setup: func(env *testEnv) {
				env.provider.set(func(p *fakeProvider) { p.signInErr = ErrProviderRateLimited })
			},
			secret:   "secret123",
			wantKind: ErrRateLimited,
			wantCode: CodeRateLimited,
		},
		{
			name: "provider hangs",
			setup: func(env *testEnv) {
				env.provider.set(func(p *fakeProvider) { p.signInDelay = 2 * time.Second })
			},
			secret:   "secret123",
			wantKind: ErrNetworkTimeout,
			wantCode: CodeNetworkTimeout,
		},
		{
			name: "no user returned",
			setup: func(env *testEnv) {
				env.provider.set(func(p *fakeProvider) { p.noUser = true })
			},
			secret:   "secret123",
			wantKind: ErrNoUserReturned,
			wantCode: CodeNoUserReturned,
		},
		{
			name: "profile missing",
			setup: func(env *testEnv) {
				env.profiles.set(func(s *fakeProfiles) { s.profiles = map[string]Profile{} })
			},
			secret:   "secret123",
			wantKind: ErrProfileNotFound,
			wantCode: CodeProfileNotFound,
		},
		{
			name: "profile load times out",
			setup: func(env *testEnv) {
				env.profiles.set(func(s *fakeProfiles) { s.getDelay = 2 * time.Second })
			},
			secret:   "secret123",
			wantKind: ErrProfileLoad,
			wantCode: CodeProfileLoadTimeout,
		},
		{
			name: "profile load fails",
			setup: func(env *testEnv) {
				env.profiles.set(func(s *fakeProfiles) { s.getErr = errors.New("permission denied for table profiles") })
			},
			secret:   "secret123",
			wantKind: ErrProfileLoad,
			wantCode: CodeProfileLoadFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			env.seedUser("13800000000", "secret123", "lifter")
			env.hydrate(t)
			tt.setup(env)

			started := time.Now()
			p, err := env.coord.Login(context.Background(), "13800000000", tt.secret)
			if time.Since(started) > 1500*time.Millisecond {
				t.Fatalf("login was not bounded by its budget: %s", time.Since(started))
			}
			if err == nil {
				t.Fatalf("expected error, got profile %+v", p)
			}
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %v, got %v", tt.wantKind, err)
			}
			if got := CodeOf(err); got != tt.wantCode {
				t.Fatalf("expected code %s, got %s", tt.wantCode, got)
			}

			st := env.coord.State()
			assertConsistent(t, st)
			if st.IsAuthenticated {
				t.Fatalf("expected logged out after failure, got %+v", st)
			}
		})
	}
}

func TestLoginProfileFailurePurgesAndSignsOut(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)
	env.profiles.set(func(s *fakeProfiles) { s.profiles = map[string]Profile{} })

	_, err := env.coord.Login(context.Background(), "13800000000", "secret123")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if keys := providerKeys(t, env); len(keys) != 0 {
		t.Fatalf("expected cache purged, found %v", keys)
	}
	if _, signOut := env.provider.counts(); signOut != 1 {
		t.Fatalf("expected provider sign-out, got %d calls", signOut)
	}
	if st := env.coord.State(); st.Status != authstate.Idle {
		t.Fatalf("expected idle, got %s", st.Status)
	}
}

func TestLoginTimeoutIsClassifiedAndCounted(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)
	env.provider.set(func(p *fakeProvider) { p.signInDelay = time.Second })

	_, err := env.coord.Login(context.Background(), "13800000000", "secret123")
	if !errors.Is(err, timeout.ErrTimeout) {
		t.Fatalf("expected the cause to be a timeout, got %v", err)
	}
	if got := env.coord.MetricsSnapshot().Counters[MetricLoginTimeout]; got != 1 {
		t.Fatalf("expected login timeout metric 1, got %d", got)
	}
}

func TestLoginRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.hydrate(t)

	for _, tc := range []struct{ identifier, secret string }{
		{"", "secret123"},
		{"13800000000", ""},
		{"13800000000", "12345"},
		{"not a phone", "secret123"},
	} {
		_, err := env.coord.Login(context.Background(), tc.identifier, tc.secret)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q/%q: expected ErrInvalidInput, got %v", tc.identifier, tc.secret, err)
		}
	}
	if signIn, _ := env.provider.counts(); signIn != 0 {
		t.Fatalf("invalid input reached the provider %d times", signIn)
	}
}

func TestLoginWhileAuthenticatedIsRejected(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)

	if _, err := env.coord.Login(context.Background(), "13800000000", "secret123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	_, err := env.coord.Login(context.Background(), "13800000000", "secret123")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if !errors.Is(err, authstate.ErrInvalidTransition) {
		t.Fatalf("expected transition cause, got %v", err)
	}
	st := env.coord.State()
	assertConsistent(t, st)
	if !st.IsAuthenticated {
		t.Fatal("rejected login must not change state")
	}
}

func TestLoginAfterFailureRecovers(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)

	if _, err := env.coord.Login(context.Background(), "13800000000", "bad-secret"); err == nil {
		t.Fatal("expected failure")
	}
	if st := env.coord.State(); st.Status != authstate.Error {
		t.Fatalf("expected error status, got %s", st.Status)
	}
	if _, err := env.coord.Login(context.Background(), "13800000000", "secret123"); err != nil {
		t.Fatalf("retry login: %v", err)
	}
	assertConsistent(t, env.coord.State())
}

func TestLogoutThenLoginRunsInOrder(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.seedUser("13900000000", "other-secret", "previous")
	env.seedUser("13800000000", "secret123", "lifter")
	env.hydrate(t)

	if _, err := env.coord.Login(context.Background(), "13900000000", "other-secret"); err != nil {
		t.Fatalf("first login: %v", err)
	}

	// Slow down the provider sign-out so logout is still draining when login
	// is submitted.
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	slowSignOut := &slowSignOutProvider{fakeProvider: env.provider, delay: 150 * time.Millisecond, record: record}
	env.coord.provider = slowSignOut

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := env.coord.Logout(context.Background()); err != nil {
			t.Errorf("logout: %v", err)
		}
	}()
	waitFor(t, time.Second, func() bool { return env.coord.queue.Processing() })

	var loginErr error
	go func() {
		defer wg.Done()
		_, loginErr = env.coord.Login(context.Background(), "13800000000", "secret123")
	}()
	wg.Wait()

	if loginErr != nil {
		t.Fatalf("login: %v", loginErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "sign-out-done" || order[1] != "sign-in-start" {
		t.Fatalf("login began before logout settled: %v", order)
	}

	st := env.coord.State()
	assertConsistent(t, st)
	if !st.IsAuthenticated || st.User.Nickname != "lifter" {
		t.Fatalf("final state must reflect login, got %+v", st)
	}
}

type slowSignOutProvider struct {
	*fakeProvider
	delay  time.Duration
	record func(string)
}

func (p *slowSignOutProvider) SignOut(ctx context.Context) error {
	time.Sleep(p.delay)
	err := p.fakeProvider.SignOut(ctx)
	p.record("sign-out-done")
	return err
}

func (p *slowSignOutProvider) SignInWithPassword(ctx context.Context, identifier, secret string) (*SignInResult, error) {
	p.record("sign-in-start")
	return p.fakeProvider.SignInWithPassword(ctx, identifier, secret)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.hydrate(t)
	if err := env.coord.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := env.coord.Login(context.Background(), "13800000000", "secret123"); !errors.Is(err, ErrCoordinatorClosed) {
		t.Fatalf("expected ErrCoordinatorClosed, got %v", err)
	}
	if err := env.coord.Logout(context.Background()); !errors.Is(err, ErrCoordinatorClosed) {
		t.Fatalf("expected ErrCoordinatorClosed, got %v", err)
	}
	if err := env.coord.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
