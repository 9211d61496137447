/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package griderrors holds the error kinds shared by every grid component.
// Component packages wrap one of these kinds so callers can classify any
// failure with errors.Is.
package griderrors

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIllegalState    = errors.New("illegal state")
	ErrUnavailable     = errors.New("unavailable")
	ErrTimeout         = errors.New("timed out")
)

// Wrap attaches a message to an error kind without capturing a stack, which
// keeps it suitable for package level sentinel errors.
func Wrap(kind error, msg string) error {
	return errors.WithMessage(kind, msg)
}

type unavailableError struct {
	msg   string
	cause error
}

func (e *unavailableError) Error() string {
	if e.cause == nil {
		return e.msg + ": " + ErrUnavailable.Error()
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *unavailableError) Unwrap() error {
	return e.cause
}

// Unavailable classifies a failure of an external collaborator (replicated
// cache, cluster transport) as ErrUnavailable while keeping the original
// cause reachable through errors.Is/errors.As.
func Unavailable(cause error, msg string) error {
	if cause != nil && errors.Is(cause, ErrUnavailable) {
		return errors.WithMessage(cause, msg)
	}

	return &unavailableError{
		msg:   msg,
		cause: cause,
	}
}
