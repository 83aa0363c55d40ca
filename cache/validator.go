package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/SmallHorseBrother/jianwen-community-sub000/session"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
)

// Validation reasons.
const (
	ReasonNoKeys             = "no cache keys found"
	ReasonCorrupted          = "corrupted cache data"
	ReasonNoSession          = "no valid session found"
	ReasonExpired            = "session expired"
	ReasonValid              = "valid"
	ReasonStorageUnavailable = "storage unavailable"
)

// ClearReason tags why persisted artifacts were purged.
type ClearReason string

const (
	ClearCorruptedSession  ClearReason = "corrupted_session"
	ClearExpiredSession    ClearReason = "expired_session"
	ClearMissingProfile    ClearReason = "missing_profile"
	ClearNetworkError      ClearReason = "network_error"
	ClearProfileLoadFailed ClearReason = "profile_load_failed"
	ClearManual            ClearReason = "manual_clear"
	ClearLogout            ClearReason = "logout"
)

// Result is the outcome of Validate.
type Result struct {
	IsValid    bool
	HasSession bool
	HasProfile bool
	Reason     string
}

// Stats summarizes the persisted artifacts for diagnostics.
type Stats struct {
	DurableKeys int
	SessionKeys int
	TotalBytes  int
	Corrupted   bool
}

// Config selects which keys belong to the identity provider.
type Config struct {
	Prefix     string
	Substrings []string
}

// DefaultConfig matches the hosted SDK key convention.
func DefaultConfig() Config {
	return Config{
		Prefix:     "sb-",
		Substrings: []string{"supabase"},
	}
}

// Validator inspects and purges persisted session artifacts held in a
// durable scope and a session-lifetime scope.
type Validator struct {
	cfg     Config
	durable storage.Store
	scoped  storage.Store
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Validator. scoped may be nil when the host has no
// session-lifetime storage.
func New(cfg Config, durable, scoped storage.Store, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" && len(cfg.Substrings) == 0 {
		cfg = DefaultConfig()
	}
	return &Validator{
		cfg:     cfg,
		durable: durable,
		scoped:  scoped,
		logger:  logger,
		now:     time.Now,
	}
}

// Matches reports whether key follows the provider's naming convention.
func (v *Validator) Matches(key string) bool {
	if v.cfg.Prefix != "" && strings.HasPrefix(key, v.cfg.Prefix) {
		return true
	}
	for _, s := range v.cfg.Substrings {
		if s != "" && strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// ListSessionKeys returns the provider keys present in the durable scope.
func (v *Validator) ListSessionKeys(ctx context.Context) []string {
	keys, err := v.listKeys(ctx, v.durable)
	if err != nil {
		v.logger.WarnContext(ctx, "cache key listing failed", slog.Any("error", err))
		return nil
	}
	return keys
}

func (v *Validator) listKeys(ctx context.Context, s storage.Store) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	all, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for _, k := range all {
		if v.Matches(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Validate classifies the persisted state without mutating it.
func (v *Validator) Validate(ctx context.Context) Result {
	keys, err := v.listKeys(ctx, v.durable)
	if err != nil {
		v.logger.WarnContext(ctx, "cache validation could not read storage", slog.Any("error", err))
		return Result{Reason: ReasonStorageUnavailable}
	}
	if len(keys) == 0 {
		return Result{Reason: ReasonNoKeys}
	}

	var (
		found   bool
		profile bool
		expired bool
	)
	now := v.now()
	for _, k := range keys {
		raw, ok, err := v.durable.Get(ctx, k)
		if err != nil {
			v.logger.WarnContext(ctx, "cache validation could not read key", slog.String("key", k), slog.Any("error", err))
			return Result{Reason: ReasonStorageUnavailable}
		}
		if !ok {
			continue
		}
		a, err := session.Normalize(raw)
		if err != nil {
			v.logger.WarnContext(ctx, "corrupted cache entry", slog.String("key", k))
			return Result{Reason: ReasonCorrupted}
		}
		if !a.Present() {
			continue
		}
		found = true
		if a.User != nil {
			profile = true
		}
		if a.Expired(now) {
			expired = true
		}
	}

	switch {
	case !found:
		return Result{Reason: ReasonNoSession}
	case expired:
		return Result{HasSession: true, HasProfile: profile, Reason: ReasonExpired}
	default:
		return Result{IsValid: true, HasSession: true, HasProfile: profile, Reason: ReasonValid}
	}
}

// IsCorrupted reports whether any provider key holds unparseable data.
func (v *Validator) IsCorrupted(ctx context.Context) bool {
	for _, k := range v.ListSessionKeys(ctx) {
		raw, ok, err := v.durable.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		if session.IsCorrupt(raw) {
			return true
		}
	}
	return false
}

// HasSession reports whether any provider key parses to a session blob.
// Unparseable entries are skipped.
func (v *Validator) HasSession(ctx context.Context) bool {
	for _, k := range v.ListSessionKeys(ctx) {
		raw, ok, err := v.durable.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		a, err := session.Normalize(raw)
		if err != nil {
			continue
		}
		if a.Present() {
			return true
		}
	}
	return false
}

// Clear removes provider keys from both scopes and returns how many were
// removed. Per-key failures are logged and skipped.
func (v *Validator) Clear(ctx context.Context, reason ClearReason) int {
	removed := 0
	for _, s := range []storage.Store{v.durable, v.scoped} {
		if s == nil {
			continue
		}
		keys, err := v.listKeys(ctx, s)
		if err != nil {
			v.logger.WarnContext(ctx, "cache clear could not list keys", slog.String("reason", string(reason)), slog.Any("error", err))
			continue
		}
		for _, k := range keys {
			if err := s.Remove(ctx, k); err != nil {
				v.logger.WarnContext(ctx, "cache clear could not remove key", slog.String("key", k), slog.Any("error", err))
				continue
			}
			removed++
			v.logger.DebugContext(ctx, "cache key removed", slog.String("key", k), slog.String("reason", string(reason)))
		}
	}
	v.logger.InfoContext(ctx, "cache cleared", slog.String("reason", string(reason)), slog.Int("count", removed))
	return removed
}

// Stats counts provider keys in both scopes and their total size.
func (v *Validator) Stats(ctx context.Context) Stats {
	var st Stats
	for i, s := range []storage.Store{v.durable, v.scoped} {
		keys, err := v.listKeys(ctx, s)
		if err != nil {
			continue
		}
		for _, k := range keys {
			raw, ok, err := s.Get(ctx, k)
			if err != nil || !ok {
				continue
			}
			st.TotalBytes += len(k) + len(raw)
			if session.IsCorrupt(raw) {
				st.Corrupted = true
			}
		}
		if i == 0 {
			st.DurableKeys = len(keys)
		} else {
			st.SessionKeys = len(keys)
		}
	}
	return st
}
