package conversation

import "fmt"

// NotLoadedError is returned by engine operations that require a loaded
// conversation before any has been loaded.
type NotLoadedError struct{}

func (e *NotLoadedError) Error() string {
	return "no conversation loaded"
}

// NotFoundError is returned when an operation names a conversation or message
// that is not present.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.ID)
}

// MissingUserError is returned by list operations that require a bound user.
type MissingUserError struct{}

func (e *MissingUserError) Error() string {
	return "no user bound"
}
