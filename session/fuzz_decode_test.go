package session

import (
	"testing"
	"time"
)

// FuzzNormalize ensures arbitrary blobs never panic and that every blob that
// parses as a session survives an Encode round trip.
func FuzzNormalize(f *testing.F) {
	f.Add(`{"access_token":"t","expires_at":1700000000}`)
	f.Add(`{"session":{"user":{"id":"u"}}}`)
	f.Add(`{"expires_at":"1700000000000"}`)
	f.Add(`[]`)
	f.Add(`{`)
	f.Add(``)

	f.Fuzz(func(t *testing.T, raw string) {
		a, err := Normalize(raw)
		if err != nil || a.AccessToken == "" {
			return
		}
		enc, err := Encode(a, time.Now())
		if err != nil {
			t.Fatalf("Encode failed for normalized artifact: %v", err)
		}
		b, err := Normalize(enc)
		if err != nil {
			t.Fatalf("re-normalize failed: %v", err)
		}
		if b.AccessToken != a.AccessToken {
			t.Fatalf("access token changed: %q -> %q", a.AccessToken, b.AccessToken)
		}
	})
}
