package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable wraps transport failures from the credential store.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrCredentialNotFound is returned when no credential is stored for a profile.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialCorrupt is returned when a stored blob cannot be decoded.
	ErrCredentialCorrupt = errors.New("credential corrupt")
)

const defaultStorePrefix = "afc"

// Store persists platform credentials in Redis, one per profile.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a credential store. An empty prefix uses "afc".
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultStorePrefix
	}
	return &Store{redis: rdb, prefix: prefix}
}

func (s *Store) key(profile string) string {
	return s.prefix + ":" + profile
}

// Save writes c under profile. A non-positive ttl stores without expiry.
func (s *Store) Save(ctx context.Context, profile string, c *Credential, ttl time.Duration) error {
	if c == nil || c.UID == "" {
		return errors.New("credential uid is required")
	}
	data, err := Encode(c)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.redis.Set(ctx, s.key(profile), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Load returns the credential stored under profile.
func (s *Store) Load(ctx context.Context, profile string) (*Credential, error) {
	data, err := s.redis.Get(ctx, s.key(profile)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialCorrupt, err)
	}
	return c, nil
}

// Delete removes the credential for profile. Deleting a missing profile is
// not an error.
func (s *Store) Delete(ctx context.Context, profile string) error {
	if err := s.redis.Del(ctx, s.key(profile)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
