package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	algorithmID = "argon2id"

	// DefaultMinLength matches the identity platform's weak-password rule.
	DefaultMinLength = 6
	// DefaultMaxLength bounds argon2 input size.
	DefaultMaxLength = 1024
)

// floor is the weakest cost accepted from configuration or a stored hash.
var floor = params{memory: 8 * 1024, time: 1, threads: 1, keyLength: 16}

const minSaltLength = 16

var (
	// ErrTooShort is returned by Hash for passwords below MinLength bytes.
	ErrTooShort = errors.New("password should be at least 6 characters")
	// ErrTooLong is returned for passwords above MaxLength bytes.
	ErrTooLong = errors.New("password too long")
	// ErrMalformedHash wraps every rejection of a stored hash.
	ErrMalformedHash = errors.New("malformed password hash")
)

// Config holds argon2id cost parameters and the accepted length range.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	MaxLength   int
}

// DefaultConfig returns interactive-login parameters.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
		MinLength:   DefaultMinLength,
		MaxLength:   DefaultMaxLength,
	}
}

// params is the cost section of a PHC string.
type params struct {
	memory    uint32
	time      uint32
	threads   uint8
	keyLength uint32
}

func (p params) String() string {
	return fmt.Sprintf("m=%d,t=%d,p=%d", p.memory, p.time, p.threads)
}

func (p params) weakerThan(o params) bool {
	return p.memory < o.memory || p.time < o.time || p.threads < o.threads || p.keyLength != o.keyLength
}

func (p params) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLength)
}

// Argon2 hashes and verifies passwords in PHC format.
type Argon2 struct {
	cost       params
	saltLength uint32
	minLength  int
	maxLength  int
}

// NewArgon2 validates cfg and returns a hasher. Zero length bounds take the
// defaults.
func NewArgon2(cfg Config) (*Argon2, error) {
	a := &Argon2{
		cost: params{
			memory:    cfg.Memory,
			time:      cfg.Time,
			threads:   cfg.Parallelism,
			keyLength: cfg.KeyLength,
		},
		saltLength: cfg.SaltLength,
		minLength:  cfg.MinLength,
		maxLength:  cfg.MaxLength,
	}
	if a.minLength == 0 {
		a.minLength = DefaultMinLength
	}
	if a.maxLength == 0 {
		a.maxLength = DefaultMaxLength
	}

	switch {
	case a.cost.memory < floor.memory:
		return nil, fmt.Errorf("password memory must be >= %d KB", floor.memory)
	case a.cost.time < floor.time:
		return nil, errors.New("password time must be >= 1")
	case a.cost.threads < floor.threads:
		return nil, errors.New("password parallelism must be >= 1")
	case a.cost.keyLength < floor.keyLength:
		return nil, fmt.Errorf("password key length must be >= %d", floor.keyLength)
	case a.saltLength < minSaltLength:
		return nil, fmt.Errorf("password salt length must be >= %d", minSaltLength)
	case a.minLength < 1 || a.maxLength < a.minLength:
		return nil, errors.New("password length bounds are invalid")
	}
	return a, nil
}

// Hash returns the PHC encoding of password with a fresh salt. Lengths are
// counted in bytes.
func (a *Argon2) Hash(password string) (string, error) {
	switch {
	case len(password) < a.minLength:
		return "", ErrTooShort
	case len(password) > a.maxLength:
		return "", ErrTooLong
	}

	salt := make([]byte, a.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	enc := base64.RawStdEncoding
	return strings.Join([]string{
		"",
		algorithmID,
		fmt.Sprintf("v=%d", argon2.Version),
		a.cost.String(),
		enc.EncodeToString(salt),
		enc.EncodeToString(a.cost.key(password, salt)),
	}, "$"), nil
}

// Verify reports whether password matches encoded. A malformed hash is an
// error, a mismatch is not.
func (a *Argon2) Verify(password, encoded string) (bool, error) {
	if len(password) > a.maxLength {
		return false, ErrTooLong
	}
	cost, salt, want, err := decode(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(cost.key(password, salt), want) == 1, nil
}

// NeedsUpgrade reports whether encoded was produced with weaker parameters
// than the hasher's, so the caller can rehash after a successful sign-in.
func (a *Argon2) NeedsUpgrade(encoded string) (bool, error) {
	cost, _, _, err := decode(encoded)
	if err != nil {
		return false, err
	}
	return cost.weakerThan(a.cost), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedHash, fmt.Sprintf(format, args...))
}

// decodeB64 accepts both unpadded (PHC) and padded base64.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decode(encoded string) (params, []byte, []byte, error) {
	var p params

	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return p, nil, nil, malformed("want 5 sections")
	}
	if fields[1] != algorithmID {
		return p, nil, nil, malformed("algorithm %q", fields[1])
	}
	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return p, nil, nil, malformed("version %q", fields[2])
	}

	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil || p.String() != fields[3] {
		return p, nil, nil, malformed("parameters %q", fields[3])
	}
	if p.memory < floor.memory || p.time < floor.time || p.threads < floor.threads {
		return p, nil, nil, malformed("parameters below minimum")
	}

	salt, err := decodeB64(fields[4])
	if err != nil || len(salt) < minSaltLength {
		return p, nil, nil, malformed("salt")
	}
	hash, err := decodeB64(fields[5])
	if err != nil || len(hash) == 0 {
		return p, nil, nil, malformed("hash")
	}
	p.keyLength = uint32(len(hash))
	return p, salt, hash, nil
}
