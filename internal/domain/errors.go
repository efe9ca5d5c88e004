package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrConfig      = errors.New("invalid configuration")
	ErrCrypto      = errors.New("crypto failure")
	ErrAuth        = errors.New("authentication failed")
	ErrTransport   = errors.New("transport failure")
	ErrRateLimited = errors.New("rate limited")
	ErrMapping     = errors.New("mapping failure")
	ErrPersistence = errors.New("persistence failure")
	ErrNotFound    = errors.New("not found")
)
