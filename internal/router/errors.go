package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidPayload    = errors.New("invalid action payload")
	ErrUnknownAction     = errors.New("unknown action type")
)
