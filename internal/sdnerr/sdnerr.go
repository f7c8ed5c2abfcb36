// Package sdnerr defines the error taxonomy shared across the controller
// core. The connection manager translates store and bus failures into these
// codes; lower layers surface their errors unchanged.
package sdnerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeNotFound            Code = "NOT_FOUND"
	CodeResourceUnavailable Code = "RESOURCE_UNAVAILABLE"
	CodeNoPath              Code = "NO_PATH"
	CodeNoSpectrum          Code = "NO_SPECTRUM"
	CodeFSMReject           Code = "FSM_REJECT"
	CodeStore               Code = "STORE_ERROR"
	CodeBus                 Code = "BUS_ERROR"
	CodeTimeout             Code = "TIMEOUT"
	CodeInternal            Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error. The cause remains
// reachable through errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports code equality, so errors.Is(err, sdnerr.New(CodeNoPath, ""))
// matches any NO_PATH error regardless of message.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// CodeOf extracts the taxonomy code from err, or CodeInternal when err does
// not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
