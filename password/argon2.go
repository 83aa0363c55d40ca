package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

var (
	// ErrTooShort is returned by Hash for secrets under Config.MinLength bytes.
	ErrTooShort = errors.New("password: secret too short")
	// ErrMalformedHash is wrapped by every PHC parsing failure.
	ErrMalformedHash = errors.New("password: malformed hash")
)

// Config holds the Argon2id cost parameters. MinLength is the shortest
// accepted secret in bytes; zero means 6.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// DefaultConfig is sized for an interactive sign-in on a small server.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   6,
	}
}

// Argon2 hashes and verifies secrets in PHC string format.
type Argon2 struct {
	config Config
}

type phc struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func NewArgon2(cfg Config) (*Argon2, error) {
	if cfg.MinLength == 0 {
		cfg.MinLength = 6
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Argon2{config: cfg}, nil
}

// Hash derives a PHC encoded hash of secret with a fresh random salt. The
// bytes of secret are used as given, without Unicode normalization.
func (a *Argon2) Hash(secret string) (string, error) {
	if len(secret) < a.config.MinLength {
		return "", fmt.Errorf("%w: need at least %d bytes", ErrTooShort, a.config.MinLength)
	}

	salt := make([]byte, a.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(secret), salt, a.config.Time, a.config.Memory, a.config.Parallelism, a.config.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		a.config.Memory,
		a.config.Time,
		a.config.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether secret matches encoded. The parameters stored in
// encoded are used, not the receiver's.
func (a *Argon2) Verify(secret, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(key, p.hash) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the receiver's.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	return a.config.Memory > p.memory ||
		a.config.Time > p.time ||
		a.config.Parallelism > p.parallelism ||
		int(a.config.KeyLength) != len(p.hash), nil
}

func malformed(what string) error {
	return fmt.Errorf("%w: %s", ErrMalformedHash, what)
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, malformed("expected 5 segments")
	}
	if parts[1] != algorithmID {
		return nil, malformed("unsupported algorithm " + strconv.Quote(parts[1]))
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return nil, malformed("invalid version")
	}
	if version != argon2.Version {
		return nil, malformed("unsupported version")
	}

	out := &phc{}
	if err := parseParams(parts[3], out); err != nil {
		return nil, err
	}

	if out.salt, err = decodeSegment(parts[4]); err != nil || len(out.salt) < int(minSaltLength) {
		return nil, malformed("invalid salt")
	}
	if out.hash, err = decodeSegment(parts[5]); err != nil || len(out.hash) == 0 {
		return nil, malformed("invalid hash")
	}
	return out, nil
}

// decodeSegment accepts padded and unpadded base64 since both circulate.
func decodeSegment(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func parseParams(segment string, out *phc) error {
	pairs := strings.Split(segment, ",")
	if len(pairs) != 3 {
		return malformed("expected m, t and p")
	}

	seen := 0
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return malformed("invalid parameter " + strconv.Quote(pair))
		}
		switch k {
		case "m":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < uint64(minMemoryKB) {
				return malformed("invalid memory")
			}
			out.memory = uint32(n)
		case "t":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < uint64(minTimeCost) {
				return malformed("invalid time")
			}
			out.time = uint32(n)
		case "p":
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil || n < uint64(minParallelism) {
				return malformed("invalid parallelism")
			}
			out.parallelism = uint8(n)
		default:
			return malformed("unsupported parameter " + strconv.Quote(k))
		}
		seen++
	}
	if seen != 3 || out.memory == 0 || out.time == 0 || out.parallelism == 0 {
		return malformed("missing parameters")
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Memory < minMemoryKB:
		return errors.New("password memory must be >= 8192 KB")
	case cfg.Time < minTimeCost:
		return errors.New("password time must be >= 1")
	case cfg.Parallelism < minParallelism:
		return errors.New("password parallelism must be >= 1")
	case cfg.SaltLength < minSaltLength:
		return errors.New("password salt length must be >= 16")
	case cfg.KeyLength < minKeyLength:
		return errors.New("password key length must be >= 16")
	case cfg.MinLength < 1:
		return errors.New("password min length must be >= 1")
	}
	return nil
}
