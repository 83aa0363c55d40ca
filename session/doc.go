// Package session models the session blob an identity provider persists on
// the client and offers the single accessor used to read it.
//
// Blobs appear in two layouts: flat ({access_token, expires_at, user, ...})
// and nested one level under "session". [Normalize] resolves both into an
// [Artifact]; [Encode] writes the flat layout.
//
// # What this package must NOT do
//
//   - Touch storage. Callers read and write blobs through storage.Store.
//   - Verify token signatures; expiry is read for local staleness only.
package session
