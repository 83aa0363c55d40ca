package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const profileColumns = `id, phone, nickname, bio, avatar_url, age, height_cm, weight_kg, is_public, interests, created_at, updated_at`

// updatable maps profile columns to whether UpdateProfile may set them.
var updatable = map[string]bool{
	jianwen.ColumnNickname:  true,
	jianwen.ColumnBio:       true,
	jianwen.ColumnAvatarURL: true,
	jianwen.ColumnAge:       true,
	jianwen.ColumnHeightCM:  true,
	jianwen.ColumnWeightKG:  true,
	jianwen.ColumnIsPublic:  true,
	jianwen.ColumnInterests: true,
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

// GetProfile reads the profile of userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (*jianwen.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`
	p, err := scanProfile(s.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", userID, jianwen.ErrProfileMissing)
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// InsertProfile creates p. A unique violation wraps
// jianwen.ErrProviderDuplicateIdentifier.
func (s *Store) InsertProfile(ctx context.Context, p jianwen.Profile) (*jianwen.Profile, error) {
	query := `
		INSERT INTO profiles (id, phone, nickname, bio, avatar_url, age, height_cm, weight_kg, is_public, interests)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + profileColumns

	interests := p.Interests
	if interests == nil {
		interests = []string{}
	}
	out, err := scanProfile(s.db.QueryRow(ctx, query,
		p.ID,
		p.Phone,
		p.Nickname,
		p.Bio,
		p.AvatarURL,
		p.Age,
		p.HeightCM,
		p.WeightKG,
		p.IsPublic,
		interests,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert profile %s: %w: %v", p.ID, jianwen.ErrProviderDuplicateIdentifier, err)
		}
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return out, nil
}

// UpdateProfile sets the given columns and bumps updated_at. Unknown
// columns are rejected.
func (s *Store) UpdateProfile(ctx context.Context, userID string, columns map[string]any) (*jianwen.Profile, error) {
	if len(columns) == 0 {
		return s.GetProfile(ctx, userID)
	}

	names := make([]string, 0, len(columns))
	for name := range columns {
		if !updatable[name] {
			return nil, fmt.Errorf("update profile: unknown column %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, columns[name])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, userID)

	query := fmt.Sprintf(`UPDATE profiles SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), profileColumns)

	out, err := scanProfile(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", userID, jianwen.ErrProfileMissing)
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return out, nil
}

// Delete removes the profile of userID. Deleting a missing profile is not an
// error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (*jianwen.Profile, error) {
	var p jianwen.Profile
	err := row.Scan(
		&p.ID,
		&p.Phone,
		&p.Nickname,
		&p.Bio,
		&p.AvatarURL,
		&p.Age,
		&p.HeightCM,
		&p.WeightKG,
		&p.IsPublic,
		&p.Interests,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505")
}
