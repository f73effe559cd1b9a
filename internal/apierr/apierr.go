// Package apierr carries HTTP-mapped errors out of the Control API.
package apierr

import "fmt"

// Error is a Control API error with a fixed HTTP status and short message.
type Error struct {
	Status  int
	Code    string
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

func NotFound(message string) *Error {
	return &Error{Status: 404, Code: "not_found", Message: message}
}

func Unprocessable(message string) *Error {
	return &Error{Status: 422, Code: "unprocessable", Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Status: 403, Code: "forbidden", Message: message}
}

func BadRequest(message string) *Error {
	return &Error{Status: 400, Code: "bad_request", Message: message}
}

func TooManyRequests(message string) *Error {
	return &Error{Status: 429, Code: "too_many_requests", Message: message}
}

func PayloadTooLarge(message string) *Error {
	return &Error{Status: 413, Code: "payload_too_large", Message: message}
}

func Internal(message string, err error) *Error {
	return &Error{Status: 500, Code: "internal", Message: message, Err: err}
}
