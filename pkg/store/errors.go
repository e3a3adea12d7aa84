package store

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the closed taxonomy of store failures. Adapters map their backend's
// errors onto a Kind once, at the port boundary, so engine logic never
// branches on backend-specific error strings.
type Kind string

const (
	KindNotFound    Kind = "not-found"
	KindPermission  Kind = "permission"
	KindRateLimited Kind = "rate-limited"
	KindTransient   Kind = "transient"
	KindUnknown     Kind = "unknown"
)

// Error is a store failure tagged with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFoundError(op string, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: errors.Errorf("no record with id %s", id)}
}

// KindOf extracts the Kind from an error chain, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
