// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is a JSON-RPC error code.
type Code int32

// Error codes reserved by JSON-RPC 2.0, and application codes used by agents.
const (
	ParseError     Code = -32700 // Invalid JSON was received
	InvalidRequest Code = -32600 // The JSON sent is not a valid request
	MethodNotFound Code = -32601 // The method does not exist or is not available
	InvalidParams  Code = -32602 // Invalid method parameters
	InternalError  Code = -32603 // Internal error during the call
	RemoteError    Code = -32500 // The method failed unexpectedly (wrapped exception)
	Unauthorized   Code = -32401 // The sender is not permitted to make this call
	NotFound       Code = 404    // An application-level resource was not found
	Overloaded     Code = 429    // The agent is refusing calls at this rate
)

var codeNames = map[Code]string{
	ParseError:     "parse error",
	InvalidRequest: "invalid request",
	MethodNotFound: "method not found",
	InvalidParams:  "invalid params",
	InternalError:  "internal error",
	RemoteError:    "remote error",
	Unauthorized:   "unauthorized",
	NotFound:       "not found",
	Overloaded:     "too many requests",
}

// String returns a human-readable description of c.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int32(c))
}

// Err returns an *Error with code c and its default message.
func (c Code) Err() *Error { return &Error{Code: c, Message: c.String()} }

// Error is the error object carried by a JSON-RPC error response. A method
// may return an *Error to control the code, message, and data reported to
// the caller.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Errorf returns an *Error with code c and a formatted message.
func Errorf(c Code, msg string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(msg, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Code)
	}
	return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
}

// WithData returns a copy of e whose Data field is the JSON encoding of v.
// If v cannot be encoded, e is returned unmodified.
func (e *Error) WithData(v any) *Error {
	data, err := json.Marshal(v)
	if err != nil {
		return e
	}
	cp := *e
	cp.Data = data
	return &cp
}

// AsError reports whether err is or wraps an *Error, and if so returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ErrorCode reports the code of err if it is or wraps an *Error, otherwise
// InternalError.
func ErrorCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return InternalError
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// MaxMessageLen is the longest error message Wrap will place in an *Error.
const MaxMessageLen = 4096

// Wrap converts an arbitrary error into an *Error. If err is or wraps an
// *Error, that value is returned unchanged. Otherwise the result has code
// InternalError, the text of err as its message (truncated to
// MaxMessageLen), and auxiliary data describing the error and its cause.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	} else if e, ok := AsError(err); ok {
		return e
	}
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	msg := truncate(err.Error(), MaxMessageLen)
	return (&Error{Code: InternalError, Message: msg}).WithData(ErrorDetail{
		Message: msg,
		Cause:   truncate(cause.Error(), MaxMessageLen),
		Type:    fmt.Sprintf("%T", cause),
	})
}

// ErrorDetail is the auxiliary data attached by Wrap to an internal error.
type ErrorDetail struct {
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
	Type    string `json:"type,omitempty"`
}
