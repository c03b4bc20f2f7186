// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the error classes returned by the rotary packages.
//
// All caller-correctable errors (bad dimensions, offsets out of range, mismatched caches, invalid
// configuration) wrap ErrInvalidArgument, so callers can test for them with errors.Is.
// They are never retried: the call site is expected to be fixed.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is the sentinel wrapped by every invalid-argument error.
var ErrInvalidArgument = errors.New("invalid argument")

// InvalidArgumentf returns an error that wraps ErrInvalidArgument with the formatted message,
// and a stack trace (printed with "%+v").
func InvalidArgumentf(format string, args ...any) error {
	return errors.WithStack(&invalidArgument{msg: fmt.Sprintf(format, args...)})
}

type invalidArgument struct {
	msg string
}

func (e *invalidArgument) Error() string { return e.msg }

// Unwrap allows errors.Is(err, ErrInvalidArgument).
func (e *invalidArgument) Unwrap() error { return ErrInvalidArgument }

// IsInvalidArgument reports whether err (or any error it wraps) is an invalid-argument error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
