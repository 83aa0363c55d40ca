package gotrue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/session"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
)

type fakeServer struct {
	t *testing.T

	mu         sync.Mutex
	lastBody   map[string]string
	expiresIn  int64
	failStatus int
	refreshes  atomic.Int32
	logouts    atomic.Int32
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		body := f.decode(r)
		if f.failStatus != 0 {
			w.WriteHeader(f.failStatus)
			_, _ = w.Write([]byte(`{"msg":"upstream down"}`))
			return
		}
		switch r.URL.Query().Get("grant_type") {
		case "password":
			if body["password"] != "secret123" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":400,"error_code":"invalid_credentials","msg":"Invalid login credentials"}`))
				return
			}
			if body["email"] == "pending@example.com" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Email not confirmed"}`))
				return
			}
			f.writeSession(w, "access-1", "refresh-1")
		case "refresh_token":
			n := f.refreshes.Add(1)
			if body["refresh_token"] == "revoked" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error_code":"refresh_token_not_found","msg":"Invalid Refresh Token"}`))
				return
			}
			f.writeSession(w, "access-r", "refresh-r"+string(rune('0'+n)))
		}
	})
	mux.HandleFunc("POST /signup", func(w http.ResponseWriter, r *http.Request) {
		body := f.decode(r)
		if body["email"] == "taken@example.com" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":422,"error_code":"user_already_exists","msg":"User already registered"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "user-2", "email": body["email"]})
	})
	mux.HandleFunc("POST /logout", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer access-1", r.Header.Get("Authorization"))
		f.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeServer) decode(r *http.Request) map[string]string {
	assert.Equal(f.t, "anon-key", r.Header.Get("apikey"))
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.lastBody = body
	f.mu.Unlock()
	return body
}

func (f *fakeServer) body() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeServer) writeSession(w http.ResponseWriter, access, refresh string) {
	exp := f.expiresIn
	if exp == 0 {
		exp = 3600
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    exp,
		"refresh_token": refresh,
		"user": map[string]any{
			"id":           "user-1",
			"email":        "13800000000@phone.jianwen.local",
			"confirmed_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func newClient(t *testing.T, f *fakeServer, mutate ...func(*Config)) (*Client, *storage.Memory) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "anon-key"
	cfg.SessionKey = "sb-test-auth-token"
	cfg.PhoneEmailDomain = "phone.jianwen.local"
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 1000
	for _, m := range mutate {
		m(&cfg)
	}

	store := storage.NewMemory()
	c, err := New(cfg, store)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, store
}

func TestSignInPersistsSessionAndPublishes(t *testing.T) {
	f := &fakeServer{t: t}
	c, store := newClient(t, f)
	ctx := context.Background()

	events, cancel := c.Subscribe(4)
	defer cancel()

	res, err := c.SignInWithPassword(ctx, "13800000000", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "user-1", res.User.ID)
	assert.Equal(t, "13800000000@phone.jianwen.local", f.body()["email"])

	raw, ok, err := store.Get(ctx, "sb-test-auth-token")
	require.NoError(t, err)
	require.True(t, ok)
	art, err := session.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "access-1", art.AccessToken)
	assert.False(t, art.Expired(time.Now()))

	ev := <-events
	assert.Equal(t, jianwen.EventSignedIn, ev.Kind)
}

func TestSignInErrorsMapToSentinels(t *testing.T) {
	f := &fakeServer{t: t}
	c, _ := newClient(t, f)
	ctx := context.Background()

	_, err := c.SignInWithPassword(ctx, "13800000000", "wrong-secret")
	assert.ErrorIs(t, err, jianwen.ErrProviderInvalidCredentials)

	_, err = c.SignInWithPassword(ctx, "pending@example.com", "secret123")
	assert.ErrorIs(t, err, jianwen.ErrProviderUnconfirmed)
}

func TestSignUp(t *testing.T) {
	f := &fakeServer{t: t}
	c, _ := newClient(t, f)
	ctx := context.Background()

	ident, err := c.SignUp(ctx, "New@Example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "user-2", ident.ID)
	assert.Equal(t, "new@example.com", f.body()["email"])

	_, err = c.SignUp(ctx, "taken@example.com", "secret123")
	assert.ErrorIs(t, err, jianwen.ErrProviderAlreadyRegistered)
}

func TestPhoneSignInWithoutDomain(t *testing.T) {
	f := &fakeServer{t: t}
	c, _ := newClient(t, f, func(cfg *Config) { cfg.PhoneEmailDomain = "" })

	_, err := c.SignInWithPassword(context.Background(), "13800000000", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "13800000000", f.body()["phone"])
}

func TestSignOutRevokesAndClears(t *testing.T) {
	f := &fakeServer{t: t}
	c, store := newClient(t, f)
	ctx := context.Background()

	_, err := c.SignInWithPassword(ctx, "13800000000", "secret123")
	require.NoError(t, err)

	require.NoError(t, c.SignOut(ctx))
	assert.Equal(t, int32(1), f.logouts.Load())
	assert.Equal(t, 0, store.Len())

	sess, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestGetSessionRestoresPersistedBlob(t *testing.T) {
	f := &fakeServer{t: t}
	c, store := newClient(t, f)
	ctx := context.Background()

	raw, err := session.Encode(session.Artifact{
		AccessToken:  "restored",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         &session.User{ID: "user-1"},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "sb-test-auth-token", raw))

	sess, err := c.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "restored", sess.AccessToken)
	assert.Equal(t, int32(0), f.refreshes.Load())
}

func TestGetSessionRefreshesExpiredBlob(t *testing.T) {
	f := &fakeServer{t: t}
	c, store := newClient(t, f)
	ctx := context.Background()

	raw, err := session.Encode(session.Artifact{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         &session.User{ID: "user-1"},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "sb-test-auth-token", raw))

	sess, err := c.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "access-r", sess.AccessToken)
}

func TestGetSessionDropsRevokedRefreshToken(t *testing.T) {
	f := &fakeServer{t: t}
	c, store := newClient(t, f)
	ctx := context.Background()

	raw, err := session.Encode(session.Artifact{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         &session.User{ID: "user-1"},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "sb-test-auth-token", raw))

	sess, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, 0, store.Len())
}

func TestAutoRefreshPublishesTokenRefreshed(t *testing.T) {
	f := &fakeServer{t: t, expiresIn: 1}
	c, _ := newClient(t, f, func(cfg *Config) { cfg.RefreshMargin = 900 * time.Millisecond })
	ctx := context.Background()

	events, cancel := c.Subscribe(8)
	defer cancel()

	_, err := c.SignInWithPassword(ctx, "13800000000", "secret123")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == jianwen.EventTokenRefreshed {
				assert.Equal(t, "access-r", ev.Session.AccessToken)
				return
			}
		case <-deadline:
			t.Fatal("no TOKEN_REFRESHED event")
		}
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	f := &fakeServer{t: t, failStatus: http.StatusBadGateway}
	c, _ := newClient(t, f, func(cfg *Config) { cfg.Breaker.MinRequests = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.SignInWithPassword(ctx, "13800000000", "secret123")
		assert.ErrorIs(t, err, jianwen.ErrProviderNetwork)
	}
	assert.Equal(t, gobreaker.StateOpen, c.BreakerState())

	_, err := c.SignInWithPassword(ctx, "13800000000", "secret123")
	assert.ErrorIs(t, err, jianwen.ErrProviderNetwork)
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	f := &fakeServer{t: t}
	c, _ := newClient(t, f, func(cfg *Config) { cfg.Breaker.MinRequests = 2 })

	for i := 0; i < 5; i++ {
		_, _ = c.SignInWithPassword(context.Background(), "13800000000", "wrong-secret")
	}
	assert.Equal(t, gobreaker.StateClosed, c.BreakerState())
}

func TestSessionKeyDerivedFromHost(t *testing.T) {
	cfg := Config{BaseURL: "https://abcd1234.supabase.co/auth/v1"}
	assert.Equal(t, "sb-abcd1234-auth-token", cfg.sessionKey())
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, storage.NewMemory())
	assert.Error(t, err)

	cfg.BaseURL = "http://localhost:9999"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestConcurrentRestoresShareOneRefresh(t *testing.T) {
	f := &fakeServer{t: t}
	c, store := newClient(t, f)
	ctx := context.Background()

	raw, err := session.Encode(session.Artifact{
		AccessToken:  "stale",
		RefreshToken: "refresh-0",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         &session.User{ID: "user-1"},
	}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "sb-test-auth-token", raw))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := c.GetSession(ctx)
			assert.NoError(t, err)
			assert.NotNil(t, sess)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.refreshes.Load(), int32(2))
}

func TestParseAPIErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{429, `{"error_code":"over_request_rate_limit","msg":"Request rate limit reached"}`, jianwen.ErrProviderRateLimited},
		{503, `upstream unavailable`, jianwen.ErrProviderNetwork},
		{400, `{"error_code":"phone_not_confirmed","msg":"Phone not confirmed"}`, jianwen.ErrProviderUnconfirmed},
	}
	for _, tc := range cases {
		err := parseAPIError(tc.status, []byte(tc.body))
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
	}
	assert.False(t, parseAPIError(429, nil).(*apiError).rejected())
	assert.True(t, parseAPIError(400, nil).(*apiError).rejected())
}
