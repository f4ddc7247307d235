package chat

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures crossing the chat core's boundary. Store
// mutations never panic past their boundary; everything observable by the
// UI is a state transition or a coded error.
type ErrorCode string

const (
	// CodeTransport covers connection loss and timeouts. Non-fatal; the
	// engine recovers through reconnection.
	CodeTransport ErrorCode = "TRANSPORT"
	// CodeValidation covers malformed actions such as an empty send.
	CodeValidation ErrorCode = "VALIDATION"
	// CodeConflict covers duplicate room creation races, resolved by
	// adopting the server's canonical room.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeAuth covers expired sessions. Fatal to the chat session.
	CodeAuth ErrorCode = "AUTH"
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeClosed is returned for actions invoked after session teardown.
	CodeClosed ErrorCode = "CLOSED"
)

type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func TransportErr(message string, err error) *Error {
	return &Error{Code: CodeTransport, Message: message, Err: err}
}

func ValidationErr(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

func ConflictErr(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

func AuthErr(message string, err error) *Error {
	return &Error{Code: CodeAuth, Message: message, Err: err}
}

func NotFoundErr(resource string) *Error {
	return &Error{Code: CodeNotFound, Message: resource + " not found"}
}

func ClosedErr() *Error {
	return &Error{Code: CodeClosed, Message: "chat session closed"}
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}

// IsAuth reports whether err is fatal to the session.
func IsAuth(err error) bool { return IsCode(err, CodeAuth) }
