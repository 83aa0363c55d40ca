// Package jwt mints and verifies access tokens shaped like those of a hosted
// auth service (sub, email, phone, role, session_id) and reads token expiry
// for local staleness checks.
package jwt
