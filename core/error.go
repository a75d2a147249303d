package core

import "errors"

type Error struct {
	msg string
	// sensitive is a flag to indicate if the error is sensitive or not.
	// If it is not, it can be returned to the client.
	Sensitive bool
}

func NewSensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: true}
}

func NewInsensitiveError(msg string) *Error {
	return &Error{msg: msg, Sensitive: false}
}

func (e *Error) Error() string {
	return e.msg
}

// genericClientError is what clients see in place of a sensitive error.
const genericClientError = "internal error"

// ClientMessage returns the message that may be shown to a client for err.
// Only insensitive *Error values found in the chain are passed through.
func ClientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && !e.Sensitive {
		return e.msg
	}
	return genericClientError
}

var (
	// ErrCallNotFound is returned when a call id is not tracked, either
	// because it never existed or because it has already ended.
	ErrCallNotFound = NewInsensitiveError("call not found")
	// ErrPersistence is returned when the store could not durably record
	// state that is about to be broadcast.
	ErrPersistence = NewSensitiveError("persistence failure")
	// ErrNotMember is returned when an identity acts on a room it does not belong to.
	ErrNotMember = NewInsensitiveError("not a member")
)
