// Package tperror defines the Telepathy error taxonomy shared by the
// connection, handle and group layers. Encoding these onto a wire format is
// left to the IPC layer; Name gives the conventional D-Bus error name.
package tperror

import (
	"errors"
	"fmt"
)

// Code identifies an error kind.
type Code int

const (
	CodeUnknown Code = iota
	CodeNetworkError
	CodeNotImplemented
	CodeInvalidArgument
	CodeNotAvailable
	CodePermissionDenied
	CodeDisconnected
	CodeInvalidHandle
	CodeChannelBanned
	CodeChannelFull
	CodeChannelInviteOnly
	CodeNotYours
	CodeCancelled
)

const namePrefix = "org.freedesktop.Telepathy.Error."

var codeNames = map[Code]string{
	CodeNetworkError:      "NetworkError",
	CodeNotImplemented:    "NotImplemented",
	CodeInvalidArgument:   "InvalidArgument",
	CodeNotAvailable:      "NotAvailable",
	CodePermissionDenied:  "PermissionDenied",
	CodeDisconnected:      "Disconnected",
	CodeInvalidHandle:     "InvalidHandle",
	CodeChannelBanned:     "Channel.Banned",
	CodeChannelFull:       "Channel.Full",
	CodeChannelInviteOnly: "Channel.InviteOnly",
	CodeNotYours:          "NotYours",
	CodeCancelled:         "Cancelled",
}

// String returns the short name of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

// Name returns the D-Bus error name for the code.
func (c Code) Name() string {
	return namePrefix + c.String()
}

// Error is a typed Telepathy error.
type Error struct {
	Code    Code
	Message string
	cause   error
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

// Is matches any *Error with the same code, so errors.Is(err,
// tperror.ErrDisconnected) works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrNetworkError     = &Error{Code: CodeNetworkError}
	ErrNotImplemented   = &Error{Code: CodeNotImplemented}
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument}
	ErrNotAvailable     = &Error{Code: CodeNotAvailable}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrDisconnected     = &Error{Code: CodeDisconnected}
	ErrInvalidHandle    = &Error{Code: CodeInvalidHandle}
	ErrNotYours         = &Error{Code: CodeNotYours}
	ErrCancelled        = &Error{Code: CodeCancelled}
)

// New returns an error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Disconnected(format string, args ...interface{}) *Error {
	return New(CodeDisconnected, format, args...)
}

func InvalidHandle(format string, args ...interface{}) *Error {
	return New(CodeInvalidHandle, format, args...)
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(CodeInvalidArgument, format, args...)
}

func NotAvailable(format string, args ...interface{}) *Error {
	return New(CodeNotAvailable, format, args...)
}

func NotImplemented(format string, args ...interface{}) *Error {
	return New(CodeNotImplemented, format, args...)
}

func PermissionDenied(format string, args ...interface{}) *Error {
	return New(CodePermissionDenied, format, args...)
}

func NetworkError(format string, args ...interface{}) *Error {
	return New(CodeNetworkError, format, args...)
}

func NotYours(format string, args ...interface{}) *Error {
	return New(CodeNotYours, format, args...)
}

func Cancelled(format string, args ...interface{}) *Error {
	return New(CodeCancelled, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// NameOf returns the D-Bus error name for err.
func NameOf(err error) string {
	return CodeOf(err).Name()
}
