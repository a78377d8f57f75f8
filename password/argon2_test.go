package password

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func TestHashAndVerify(t *testing.T) {
	hasher, err := NewArgon2(testConfig())
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}

	hash, err := hasher.Hash("secret1")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected PHC prefix: %s", hash)
	}

	ok, err := hasher.Verify("secret1", hash)
	if err != nil || !ok {
		t.Fatalf("expected verification to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = hasher.Verify("secret2", hash)
	if err != nil || ok {
		t.Fatalf("expected mismatch without error, ok=%v err=%v", ok, err)
	}
}

func TestHashLengthBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLength = 16
	hasher, err := NewArgon2(cfg)
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}

	if _, err := hasher.Hash("12345"); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if _, err := hasher.Hash(strings.Repeat("x", 17)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
	if _, err := hasher.Verify(strings.Repeat("x", 17), "$argon2id$"); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong on verify, got %v", err)
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak, _ := NewArgon2(testConfig())
	hash, err := weak.Hash("secret123")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	strong, err := NewArgon2(DefaultConfig())
	if err != nil {
		t.Fatalf("NewArgon2 default error: %v", err)
	}
	up, err := strong.NeedsUpgrade(hash)
	if err != nil || !up {
		t.Fatalf("expected upgrade, got %v err %v", up, err)
	}
	up, err = weak.NeedsUpgrade(hash)
	if err != nil || up {
		t.Fatalf("same parameters must not need upgrade, got %v err %v", up, err)
	}
}

func TestVerifyMalformedHash(t *testing.T) {
	hasher, _ := NewArgon2(testConfig())
	for _, h := range []string{"", "$bcrypt$x", "$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA", "$argon2id$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA"} {
		if _, err := hasher.Verify("secret1", h); err == nil {
			t.Fatalf("expected error for %q", h)
		}
	}
}

func TestNewArgon2RejectsWeakConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Memory = 1024
	if _, err := NewArgon2(cfg); err == nil {
		t.Fatalf("expected memory validation error")
	}
	cfg = testConfig()
	cfg.MinLength, cfg.MaxLength = 10, 5
	if _, err := NewArgon2(cfg); err == nil {
		t.Fatalf("expected length bounds error")
	}
}

func TestVerifyAcceptsPaddedEncoding(t *testing.T) {
	hasher, _ := NewArgon2(testConfig())
	hash, err := hasher.Hash("secret1")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if strings.HasSuffix(hash, "=") {
		t.Fatalf("expected unpadded encoding: %s", hash)
	}

	fields := strings.Split(hash, "$")
	salt, _ := decodeB64(fields[4])
	key, _ := decodeB64(fields[5])
	fields[4] = base64.StdEncoding.EncodeToString(salt)
	fields[5] = base64.StdEncoding.EncodeToString(key)

	ok, err := hasher.Verify("secret1", strings.Join(fields, "$"))
	if err != nil || !ok {
		t.Fatalf("padded hash must verify, ok=%v err=%v", ok, err)
	}
}

func TestMalformedHashSentinel(t *testing.T) {
	hasher, _ := NewArgon2(testConfig())
	_, err := hasher.Verify("secret1", "$argon2id$v=19$m=8192,t=1,p=1,x=2$c2FsdA$aGFzaA")
	if !errors.Is(err, ErrMalformedHash) {
		t.Fatalf("expected ErrMalformedHash, got %v", err)
	}
}
