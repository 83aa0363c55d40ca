package rate

import "errors"

var (
	// ErrRateLimited is returned once an identifier exhausted its attempts.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter read and write failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
