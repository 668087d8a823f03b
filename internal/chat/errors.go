package chat

import (
	"errors"

	"github.com/valenai/internal/conversation"
	"github.com/valenai/internal/llm"
)

type Kind string

const (
	InvalidArgument     Kind = "invalid_argument"
	NotFound            Kind = "not_found"
	UpstreamUnavailable Kind = "upstream_unavailable"
	StoreFailure        Kind = "store_failure"
)

// Error is returned by every Service operation that fails.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err, looking through wrapping.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, conversation.ErrNotFound):
		return NotFound
	case errors.Is(err, llm.ErrUpstreamUnavailable),
		errors.Is(err, llm.ErrGenerationFailed),
		errors.Is(err, llm.ErrEmptyResponse):
		return UpstreamUnavailable
	default:
		return StoreFailure
	}
}

func invalidArgument(msg string) error {
	return &Error{Kind: InvalidArgument, Msg: msg}
}

func notFound(msg string, err error) error {
	return &Error{Kind: NotFound, Msg: msg, Err: err}
}

func upstream(err error) error {
	return &Error{Kind: UpstreamUnavailable, Msg: "failed to generate response", Err: err}
}

// storeError maps store sentinels onto service kinds.
func storeError(msg string, err error) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return notFound(msg, err)
	case errors.Is(err, conversation.ErrDuplicateKey):
		return &Error{Kind: InvalidArgument, Msg: msg, Err: err}
	default:
		return &Error{Kind: StoreFailure, Msg: msg, Err: err}
	}
}
