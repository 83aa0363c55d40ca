// Package authstate is the single source of truth for where an auth flow
// stands: idle, initializing, authenticating, authenticated or error.
//
// [Machine] enforces the transition table and keeps the loaded user tied to
// the authenticated state, so "logged in" and "has a user" can never drift
// apart.
package authstate
