package password

import (
	"errors"
	"strings"
	"testing"
)

func fastConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   6,
	}
}

func TestHashAndVerify(t *testing.T) {
	h, err := NewArgon2(fastConfig())
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}

	encoded, err := h.Hash("secret123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}

	ok, err := h.Verify("secret123", encoded)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify("secret124", encoded)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h, _ := NewArgon2(fastConfig())
	a, _ := h.Hash("secret123")
	b, _ := h.Hash("secret123")
	if a == b {
		t.Fatal("two hashes of the same secret must differ")
	}
}

func TestHashRejectsShortSecret(t *testing.T) {
	h, _ := NewArgon2(fastConfig())
	if _, err := h.Hash("12345"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestVerifyAcceptsPaddedEncoding(t *testing.T) {
	h, _ := NewArgon2(fastConfig())
	encoded, _ := h.Hash("secret123")

	parts := strings.Split(encoded, "$")
	for i := 4; i <= 5; i++ {
		for len(parts[i])%4 != 0 {
			parts[i] += "="
		}
	}
	ok, err := h.Verify("secret123", strings.Join(parts, "$"))
	if err != nil || !ok {
		t.Fatalf("expected padded hash to verify, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	h, _ := NewArgon2(fastConfig())
	for _, encoded := range []string{
		"",
		"plain",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,x=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2hvcnQ$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$",
	} {
		if _, err := h.Verify("secret123", encoded); !errors.Is(err, ErrMalformedHash) {
			t.Fatalf("%q: expected ErrMalformedHash, got %v", encoded, err)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak, _ := NewArgon2(fastConfig())
	encoded, _ := weak.Hash("secret123")

	if up, err := weak.NeedsUpgrade(encoded); err != nil || up {
		t.Fatalf("same parameters must not need upgrade: %v %v", up, err)
	}

	stronger := fastConfig()
	stronger.Time = 2
	strong, _ := NewArgon2(stronger)
	if up, err := strong.NeedsUpgrade(encoded); err != nil || !up {
		t.Fatalf("expected upgrade, got %v %v", up, err)
	}
}

func TestNewArgon2ValidatesConfig(t *testing.T) {
	tests := []func(*Config){
		func(c *Config) { c.Memory = 1024 },
		func(c *Config) { c.Time = 0 },
		func(c *Config) { c.Parallelism = 0 },
		func(c *Config) { c.SaltLength = 8 },
		func(c *Config) { c.KeyLength = 8 },
		func(c *Config) { c.MinLength = -1 },
	}
	for i, mutate := range tests {
		cfg := fastConfig()
		mutate(&cfg)
		if _, err := NewArgon2(cfg); err == nil {
			t.Fatalf("case %d: expected config error", i)
		}
	}
	if _, err := NewArgon2(DefaultConfig()); err != nil {
		t.Fatalf("default config: %v", err)
	}
}
