// Package jianwen coordinates client-side authentication against a hosted
// identity provider and a profile store.
//
// A [Coordinator] holds the single in-memory auth state. It serializes login,
// logout, registration and profile updates through an operation queue,
// bounds every network step with a timeout budget, and purges persisted
// session artifacts whenever they can no longer be trusted.
//
// # Lifecycle
//
//	c, err := jianwen.New().
//		WithIdentityProvider(provider).
//		WithProfileStore(profiles).
//		WithStorage(durable, nil).
//		Build()
//	if err != nil { ... }
//	defer c.Close()
//
//	state := c.HydrateSession(ctx) // once, before any other operation
//	profile, err := c.Login(ctx, "13800000000", "secret123")
//
// Build leaves the state initializing; HydrateSession moves it to
// authenticated or idle. Login and Register are rejected with
// ErrInvalidState until then, and while a user is already signed in.
//
// # Errors
//
// Every failure surfaced by an operation is an [*Error]. Use errors.Is with
// the Err* kinds, or [CodeOf] for a stable string.
package jianwen
