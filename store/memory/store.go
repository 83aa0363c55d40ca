// Package memory is an in-process jianwen.ProfileStore with the same unique
// constraints as the profiles table.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
)

// Store keeps profiles keyed by user id, with phone numbers unique.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*jianwen.Profile
	byPhone map[string]string
	now     func() time.Time
}

func New() *Store {
	return &Store{
		byID:    make(map[string]*jianwen.Profile),
		byPhone: make(map[string]string),
		now:     time.Now,
	}
}

// GetProfile returns a copy of the profile of userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (*jianwen.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, jianwen.ErrProfileMissing)
	}
	return copyProfile(p), nil
}

// InsertProfile stores p, stamping its timestamps.
func (s *Store) InsertProfile(ctx context.Context, p jianwen.Profile) (*jianwen.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[p.ID]; ok {
		return nil, fmt.Errorf("profiles_pkey %s: %w", p.ID, jianwen.ErrProviderDuplicateIdentifier)
	}
	if p.Phone != "" {
		if _, ok := s.byPhone[p.Phone]; ok {
			return nil, fmt.Errorf("profiles_phone_key %s: %w", p.Phone, jianwen.ErrProviderDuplicateIdentifier)
		}
	}

	now := s.now().UTC()
	stored := copyProfile(&p)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[p.ID] = stored
	if p.Phone != "" {
		s.byPhone[p.Phone] = p.ID
	}
	return copyProfile(stored), nil
}

// UpdateProfile applies columns to the profile of userID.
func (s *Store) UpdateProfile(ctx context.Context, userID string, columns map[string]any) (*jianwen.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, jianwen.ErrProfileMissing)
	}
	p.ApplyColumns(columns)
	p.UpdatedAt = s.now().UTC()
	return copyProfile(p), nil
}

// Delete removes the profile of userID, if any.
func (s *Store) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[userID]; ok {
		delete(s.byPhone, p.Phone)
		delete(s.byID, userID)
	}
}

// Len reports the number of stored profiles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func copyProfile(p *jianwen.Profile) *jianwen.Profile {
	out := *p
	if p.Interests != nil {
		out.Interests = append([]string(nil), p.Interests...)
	}
	return &out
}
