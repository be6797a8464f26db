package errors

import (
	"errors"
	"fmt"
)

// ERR is the error code carried by every *Error. Codes are stable and are
// matched by errors.Is, so callers can branch on the class of failure
// without string comparison.
type ERR int

const (
	ErrUnknown ERR = iota
	ErrInvalidArgument
	ErrNotFound
	ErrBlockInvalid
	ErrBlockExists
	ErrTxInvalid
	ErrStorage
	ErrNetworkPeer
	ErrServiceUnavailable
	ErrConfiguration
	ErrUnauthorized
)

func (e ERR) String() string {
	switch e {
	case ErrInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrBlockInvalid:
		return "BLOCK_INVALID"
	case ErrBlockExists:
		return "BLOCK_EXISTS"
	case ErrTxInvalid:
		return "TX_INVALID"
	case ErrStorage:
		return "STORAGE"
	case ErrNetworkPeer:
		return "NETWORK_PEER"
	case ErrServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case ErrConfiguration:
		return "CONFIGURATION"
	case ErrUnauthorized:
		return "UNAUTHORIZED"
	default:
		return "UNKNOWN"
	}
}

type Error struct {
	Code       ERR
	Message    string
	WrappedErr error
}

func (e *Error) Error() string {
	// Error() can be called on wrapped errors, which can be nil, for example predefined errors
	if e == nil {
		return "<nil>"
	}

	if e.WrappedErr == nil {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Code, e.Message)
	}

	return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Code, e.Message, e.WrappedErr)
}

// Is reports whether error codes match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}

	var ue *Error
	if errors.As(target, &ue) {
		if e.Code == ue.Code {
			return true
		}
		if e.WrappedErr == nil {
			return false
		}
	}

	if unwrapped := errors.Unwrap(e); unwrapped != nil {
		if ue, ok := unwrapped.(*Error); ok {
			return ue.Is(target)
		}
	}

	return false
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.WrappedErr
}

func New(code ERR, message string, wrapped ...error) *Error {
	e := &Error{
		Code:    code,
		Message: message,
	}
	if len(wrapped) > 0 {
		e.WrappedErr = wrapped[0]
	}
	return e
}

func NewInvalidArgumentError(format string, args ...interface{}) *Error {
	return newf(ErrInvalidArgument, format, args...)
}

func NewNotFoundError(format string, args ...interface{}) *Error {
	return newf(ErrNotFound, format, args...)
}

func NewBlockInvalidError(format string, args ...interface{}) *Error {
	return newf(ErrBlockInvalid, format, args...)
}

func NewBlockExistsError(format string, args ...interface{}) *Error {
	return newf(ErrBlockExists, format, args...)
}

func NewTxInvalidError(format string, args ...interface{}) *Error {
	return newf(ErrTxInvalid, format, args...)
}

func NewStorageError(format string, args ...interface{}) *Error {
	return newf(ErrStorage, format, args...)
}

func NewNetworkPeerError(format string, args ...interface{}) *Error {
	return newf(ErrNetworkPeer, format, args...)
}

func NewServiceError(format string, args ...interface{}) *Error {
	return newf(ErrServiceUnavailable, format, args...)
}

func NewConfigurationError(format string, args ...interface{}) *Error {
	return newf(ErrConfiguration, format, args...)
}

func NewUnauthorizedError(format string, args ...interface{}) *Error {
	return newf(ErrUnauthorized, format, args...)
}

// newf supports the "message: %v" convention where the final arg may be an
// error to wrap.
func newf(code ERR, format string, args ...interface{}) *Error {
	var wrapped error
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			wrapped = err
		}
	}
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		WrappedErr: wrapped,
	}
}

// Is delegates to the standard library so callers only import this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
