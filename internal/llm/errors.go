package llm

import "errors"

var (
	// ErrUpstreamUnavailable means every configured key was rejected or out of quota.
	ErrUpstreamUnavailable = errors.New("completion service unavailable")
	// ErrGenerationFailed covers failures that are not retried on another key.
	ErrGenerationFailed = errors.New("completion failed")
	ErrEmptyResponse    = errors.New("empty completion response")
)
