package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/rexliu/hostbridge/pkg/value"
)

var (
	// ErrConnectionClosed indicates the transport is unavailable. It is
	// permanent for the lifetime of a bridge.
	ErrConnectionClosed = errors.New("bridge: connection closed")
	// ErrTimeout indicates a call received no response before its deadline.
	ErrTimeout = errors.New("bridge: call timed out")
	// ErrInvalidHandle indicates an operation addressed a resource id that is
	// not tracked, or is tracked under a different kind.
	ErrInvalidHandle = errors.New("bridge: invalid handle")
)

// ConnectionClosedError carries the reason the transport went away.
type ConnectionClosedError struct {
	Cause error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause == nil {
		return ErrConnectionClosed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrConnectionClosed, e.Cause)
}

func (e *ConnectionClosedError) Is(target error) bool { return target == ErrConnectionClosed }

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

// TimeoutError reports a call that missed its deadline.
type TimeoutError struct {
	Method  string
	ID      uint64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: %s (call %d) timed out after %s", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// MethodError is a failure reported by the host. Data holds the host's error
// payload verbatim; Code and Message are lifted from it when present.
type MethodError struct {
	Method  string
	Code    string
	Message string
	Data    value.Value
}

// NewMethodError builds a MethodError from the error payload of a response.
func NewMethodError(method string, payload value.Value) *MethodError {
	e := &MethodError{Method: method, Data: payload}
	switch payload.Kind() {
	case value.KindMap:
		if code, ok := payload.Get("code"); ok {
			e.Code, _ = code.AsString()
		}
		if msg, ok := payload.Get("message"); ok {
			e.Message, _ = msg.AsString()
		}
	case value.KindString:
		e.Message, _ = payload.AsString()
	}
	if e.Message == "" && !payload.IsNull() && payload.Kind() != value.KindString {
		e.Message = payload.String()
	}
	return e
}

func (e *MethodError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("bridge: %s failed: %s (%s)", e.Method, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("bridge: %s failed: %s", e.Method, e.Message)
	case e.Code != "":
		return fmt.Sprintf("bridge: %s failed (%s)", e.Method, e.Code)
	default:
		return fmt.Sprintf("bridge: %s failed", e.Method)
	}
}

// InvalidHandleError names the handle an operation could not use.
type InvalidHandleError struct {
	Kind string
	ID   int64
}

func (e *InvalidHandleError) Error() string {
	return fmt.Sprintf("%s: %s %d", ErrInvalidHandle, e.Kind, e.ID)
}

func (e *InvalidHandleError) Is(target error) bool { return target == ErrInvalidHandle }

// Error follows the host contract for structured failures.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Value renders e as a response error payload.
func (e *Error) Value() value.Value {
	v := value.Map(
		value.Pair("code", value.String(e.Code)),
		value.Pair("message", value.String(e.Message)),
	)
	if len(e.Details) > 0 {
		if details, err := value.From(e.Details); err == nil {
			v = v.With("details", details)
		}
	}
	return v
}

// Errorf helps build protocol errors.
func Errorf(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Host error codes.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnknownMethod  = "UNKNOWN_METHOD"
	CodeInternal       = "INTERNAL"
	CodeNotFound       = "NOT_FOUND"
)
