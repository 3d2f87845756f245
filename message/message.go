// Package message defines the envelopes exchanged between peers.
//
// A Request names a remote method and carries its params; a Response echoes the
// originating request id and carries either a result or an error, never both.
// Envelopes are serialized by the codec layer and wrapped in a protocol frame
// for transmission over TCP.
package message

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Request is a single remote call.
type Request struct {
	ID        string         `json:"id"`
	Method    string         `json:"method"`
	Params    map[string]any `json:"params"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
}

// Response answers exactly one Request.
//
//   - On success: Result is set, Error is nil.
//   - On failure: Error is set, Result is nil.
//
// Result has no omitempty: an empty success result must still reach the wire
// as {} so the receiver can tell it from an error reply.
type Response struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	Result    map[string]any `json:"result"`
	Error     *Error         `json:"error,omitempty"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
}

var (
	errMissingRequestID = errors.New("message: response has no request_id")
	errBothSet          = errors.New("message: response carries both result and error")
	errNeitherSet       = errors.New("message: response carries neither result nor error")
)

// NewRequest builds a request with a fresh id and the current time.
func NewRequest(method string, params map[string]any, source, target string) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		ID:        uuid.NewString(),
		Method:    method,
		Params:    params,
		Source:    source,
		Target:    target,
		Timestamp: time.Now(),
	}
}

// Clone returns a copy of r with a new id addressed to target. Params are
// shared, not deep-copied.
func (r *Request) Clone(target string) *Request {
	c := *r
	c.ID = uuid.NewString()
	c.Target = target
	c.Timestamp = time.Now()
	return &c
}

// NewResult builds a successful reply to req. A nil result is sent as an
// empty object so the reply still validates.
func NewResult(req *Request, result map[string]any) *Response {
	if result == nil {
		result = map[string]any{}
	}
	return &Response{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Result:    result,
		Source:    req.Target,
		Target:    req.Source,
		Timestamp: time.Now(),
	}
}

// NewError builds a failed reply to req.
func NewError(req *Request, code Code, msg string) *Response {
	return &Response{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Error:     &Error{Code: code, Message: msg},
		Source:    req.Target,
		Target:    req.Source,
		Timestamp: time.Now(),
	}
}

// Validate checks the result/error exclusivity invariant.
func (r *Response) Validate() error {
	if r.RequestID == "" {
		return errMissingRequestID
	}
	switch {
	case r.Result != nil && r.Error != nil:
		return errBothSet
	case r.Result == nil && r.Error == nil:
		return errNeitherSet
	}
	return nil
}

// OK reports whether the response carries a result.
func (r *Response) OK() bool {
	return r != nil && r.Error == nil
}
