package jianwen

import (
	"context"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/authstate"
)

// Profile is the application-level user record, keyed by the identity
// provider's user id.
type Profile struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Nickname  string    `json:"nickname"`
	Bio       string    `json:"bio,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	Age       int       `json:"age,omitempty"`
	HeightCM  float64   `json:"height_cm,omitempty"`
	WeightKG  float64   `json:"weight_kg,omitempty"`
	IsPublic  bool      `json:"is_public"`
	Interests []string  `json:"interests,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Profile) clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Interests != nil {
		out.Interests = append([]string(nil), p.Interests...)
	}
	return &out
}

// Backing column names of the profile record.
const (
	ColumnNickname  = "nickname"
	ColumnBio       = "bio"
	ColumnAvatarURL = "avatar_url"
	ColumnAge       = "age"
	ColumnHeightCM  = "height_cm"
	ColumnWeightKG  = "weight_kg"
	ColumnIsPublic  = "is_public"
	ColumnInterests = "interests"
)

// ProfileUpdate is a partial update. Nil fields are left untouched.
type ProfileUpdate struct {
	Nickname  *string   `validate:"omitempty,min=1,max=50"`
	Bio       *string   `validate:"omitempty,max=500"`
	AvatarURL *string   `validate:"omitempty,url"`
	Age       *int      `validate:"omitempty,gte=0,lte=150"`
	HeightCM  *float64  `validate:"omitempty,gte=0,lte=300"`
	WeightKG  *float64  `validate:"omitempty,gte=0,lte=500"`
	IsPublic  *bool     `validate:"omitempty"`
	Interests *[]string `validate:"omitempty,max=20,dive,min=1,max=30"`
}

// Columns translates the present fields into backing column names.
func (u ProfileUpdate) Columns() map[string]any {
	cols := make(map[string]any, 8)
	if u.Nickname != nil {
		cols[ColumnNickname] = *u.Nickname
	}
	if u.Bio != nil {
		cols[ColumnBio] = *u.Bio
	}
	if u.AvatarURL != nil {
		cols[ColumnAvatarURL] = *u.AvatarURL
	}
	if u.Age != nil {
		cols[ColumnAge] = *u.Age
	}
	if u.HeightCM != nil {
		cols[ColumnHeightCM] = *u.HeightCM
	}
	if u.WeightKG != nil {
		cols[ColumnWeightKG] = *u.WeightKG
	}
	if u.IsPublic != nil {
		cols[ColumnIsPublic] = *u.IsPublic
	}
	if u.Interests != nil {
		cols[ColumnInterests] = append([]string(nil), (*u.Interests)...)
	}
	return cols
}

// ApplyColumns writes translated columns onto p. Unknown columns are ignored.
func (p *Profile) ApplyColumns(cols map[string]any) {
	for k, v := range cols {
		switch k {
		case ColumnNickname:
			p.Nickname, _ = v.(string)
		case ColumnBio:
			p.Bio, _ = v.(string)
		case ColumnAvatarURL:
			p.AvatarURL, _ = v.(string)
		case ColumnAge:
			p.Age, _ = v.(int)
		case ColumnHeightCM:
			p.HeightCM, _ = v.(float64)
		case ColumnWeightKG:
			p.WeightKG, _ = v.(float64)
		case ColumnIsPublic:
			p.IsPublic, _ = v.(bool)
		case ColumnInterests:
			s, _ := v.([]string)
			p.Interests = append([]string(nil), s...)
		}
	}
}

// Identity is the provider-side account.
type Identity struct {
	ID          string
	Email       string
	Phone       string
	ConfirmedAt *time.Time
}

// Session is a provider-issued session.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         Identity
}

// SignInResult is returned by IdentityProvider.SignInWithPassword.
type SignInResult struct {
	Session *Session
	User    *Identity
}

// AuthEventKind names a provider push event.
type AuthEventKind string

const (
	EventInitialSession  AuthEventKind = "INITIAL_SESSION"
	EventSignedIn        AuthEventKind = "SIGNED_IN"
	EventSignedOut       AuthEventKind = "SIGNED_OUT"
	EventTokenRefreshed  AuthEventKind = "TOKEN_REFRESHED"
	EventUserUpdated     AuthEventKind = "USER_UPDATED"
	EventPasswordRecover AuthEventKind = "PASSWORD_RECOVERY"
)

// AuthEvent is a provider push notification. At is the provider-side time
// the event was raised.
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
	At      time.Time
}

// IdentityProvider is the hosted auth service as seen by the coordinator.
// Failures should wrap the ErrProvider* sentinels where they apply.
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, identifier, secret string) (*SignInResult, error)
	SignUp(ctx context.Context, identifier, secret string) (*Identity, error)
	SignOut(ctx context.Context) error
	GetSession(ctx context.Context) (*Session, error)
	// Subscribe delivers push events until cancel is called, after which the
	// channel is closed.
	Subscribe(buffer int) (events <-chan AuthEvent, cancel func())
}

// ProfileStore persists profiles. GetProfile wraps ErrProfileMissing when no
// record exists; InsertProfile wraps ErrProviderDuplicateIdentifier on a
// unique violation.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	InsertProfile(ctx context.Context, p Profile) (*Profile, error)
	UpdateProfile(ctx context.Context, userID string, columns map[string]any) (*Profile, error)
}

// AuthState is what the UI renders. IsAuthenticated holds exactly when User
// is non-nil.
type AuthState struct {
	User            *Profile
	IsAuthenticated bool
	IsLoading       bool
	Status          authstate.Status
}

// Credentials are the inputs of Login.
type Credentials struct {
	Identifier string `validate:"required,max=254,email|numeric"`
	Secret     string `validate:"required,min=6,max=72"`
}

// RegisterRequest are the inputs of Register.
type RegisterRequest struct {
	Identifier  string `validate:"required,max=254,email|numeric"`
	Secret      string `validate:"required,min=6,max=72"`
	DisplayName string `validate:"required,min=1,max=50"`
}
