package inference

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed taxonomy of provider failures, mapped once at each
// adapter boundary.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate-limited"
	KindTransient   Kind = "transient"
	KindUnknown     Kind = "unknown"
)

// Error is a provider failure tagged with its Kind. Message keeps the
// provider's own description verbatim so it can be surfaced to the user.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, provider string, message string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Kind
	}
	return KindUnknown
}
