package messages

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures reported back to the client library.
type ErrorKind string

const (
	KindMalformedEnvelope  ErrorKind = "MalformedEnvelope"
	KindUnknownMessageType ErrorKind = "UnknownMessageType"
	KindNotInitialized     ErrorKind = "NotInitialized"
	KindNotConnected       ErrorKind = "NotConnected"
	KindAdapterFailure     ErrorKind = "AdapterFailure"
	KindTransportFailure   ErrorKind = "TransportFailure"
	KindBadRequest         ErrorKind = "BadRequest"
	KindTerminated         ErrorKind = "Terminated"
	KindInternal           ErrorKind = "Internal"
)

// ProxyError is the error shape embedded in reply envelopes.
type ProxyError struct {
	Kind     ErrorKind `json:"kind"`
	Category string    `json:"category,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// NewError creates a ProxyError without a category.
func NewError(kind ErrorKind, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *ProxyError) Error() string {
	switch {
	case e.Category != "" && e.Detail != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Category, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	default:
		return string(e.Kind)
	}
}

// Is matches another ProxyError of the same kind, so errors.Is(err, &ProxyError{Kind: k}) works.
func (e *ProxyError) Is(target error) bool {
	t, ok := target.(*ProxyError)
	return ok && t.Kind == e.Kind
}

// AsProxyError converts any error to a ProxyError. Errors that are not already
// ProxyErrors are reported as Internal.
func AsProxyError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProxyError{Kind: KindInternal, Detail: err.Error()}
}
