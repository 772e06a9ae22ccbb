package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failure the way callers across the scheduler
// need to branch on: by what happened, not by which package raised it.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindValidation    ErrorKind = "validation"
	KindPermission    ErrorKind = "permission"
	KindVendorBusy    ErrorKind = "vendor_busy"
	KindVendorTimeout ErrorKind = "vendor_timeout"
	KindVendorAbort   ErrorKind = "vendor_abort"
	KindTransport     ErrorKind = "transport"
	KindInternal      ErrorKind = "internal"
)

// Error wraps an underlying cause with a Kind so callers can type-switch
// on Kind() instead of string-matching error text.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a Kind-tagged error with no underlying cause.
func NewError(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError tags err with kind, preserving it as the wrapped cause via
// github.com/pkg/errors so callers downstream can still errors.Cause it.
func WrapError(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.Wrap(err, msg)}
}

// KindOf extracts the ErrorKind from err, walking its Unwrap chain.
// Returns KindInternal when err carries no *Error.
func KindOf(err error) ErrorKind {
	var me *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			me = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if me == nil {
		return KindInternal
	}
	return me.Kind
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
