package session

import (
	"encoding/json"
	"errors"
	"time"
)

// Document is the flat blob layout written by the identity adapters. It
// matches what hosted auth SDKs persist, so Normalize reads both.
type Document struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type,omitempty"`
	ExpiresIn    int64         `json:"expires_in,omitempty"`
	ExpiresAt    int64         `json:"expires_at,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	User         *DocumentUser `json:"user,omitempty"`
}

// DocumentUser is the user object inside a Document.
type DocumentUser struct {
	ID          string     `json:"id"`
	Email       string     `json:"email,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Encode serializes a into the flat Document layout.
func Encode(a Artifact, now time.Time) (string, error) {
	if a.AccessToken == "" {
		return "", errors.New("session: access token required")
	}

	doc := Document{
		AccessToken:  a.AccessToken,
		TokenType:    a.TokenType,
		RefreshToken: a.RefreshToken,
	}
	if doc.TokenType == "" {
		doc.TokenType = "bearer"
	}
	if !a.ExpiresAt.IsZero() {
		doc.ExpiresAt = a.ExpiresAt.Unix()
		if in := int64(a.ExpiresAt.Sub(now).Seconds()); in > 0 {
			doc.ExpiresIn = in
		}
	}
	if a.User != nil {
		doc.User = &DocumentUser{
			ID:          a.User.ID,
			Email:       a.User.Email,
			Phone:       a.User.Phone,
			ConfirmedAt: a.User.ConfirmedAt,
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
