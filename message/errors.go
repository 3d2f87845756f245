package message

import "fmt"

// Code classifies a failed response on the wire.
type Code string

const (
	CodeMethodNotFound Code = "method_not_found"
	CodeHandlerError   Code = "handler_error"
	CodeHandlerTimeout Code = "handler_timeout"
	CodeInvalidParams  Code = "invalid_params"
	CodeRateLimited    Code = "rate_limited"

	// CodeInvalidPayload is reserved for frames the server could not read.
	// The server closes the connection right after sending it, so handlers
	// report bad params with CodeInvalidParams instead.
	CodeInvalidPayload Code = "invalid_payload"
)

// UnknownRequestID is the request_id of an invalid_payload reply sent before
// the request id could be read.
const UnknownRequestID = "unknown"

// Error is the error body of a Response. It doubles as a Go error so handlers
// can return one to pick the code the caller sees.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
