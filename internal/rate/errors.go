package rate

import "errors"

var (
	// ErrRateLimited is returned when the window budget for a recipient is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures from the counter store.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
