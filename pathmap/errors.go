package pathmap

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition reports a handshake callback invoked out of
// order. It indicates a caller-ordering bug and is fatal to that
// connection attempt, never silently ignored.
var ErrInvalidTransition = errors.New("pathmap: invalid handshake transition")

// TransportErrorCode categorizes handshake failures.
type TransportErrorCode uint8

const (
	CodeInternal TransportErrorCode = iota + 1
	CodeApplication
)

func (c TransportErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "INTERNAL_ERROR"
	case CodeApplication:
		return "APPLICATION_ERROR"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// TransportError is fatal to the connection attempt that produced it;
// the owner decides whether to retry the whole handshake.
type TransportError struct {
	Code  TransportErrorCode
	Msg   string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func internalError(msg string, cause error) *TransportError {
	return &TransportError{Code: CodeInternal, Msg: msg, Cause: cause}
}

func applicationError(msg string, cause error) *TransportError {
	return &TransportError{Code: CodeApplication, Msg: msg, Cause: cause}
}
