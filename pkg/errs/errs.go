// Copyright 2024 rosa project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package errs produces campaign errors that remember where they were created.
// Every fallible step of a campaign reports through this package so that the
// final user-visible line can point back into the source.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// New returns an error annotated with the caller's stack.
func New(msg string) error {
	return errors.New(msg)
}

// Newf is New with formatting.
func Newf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrapf annotates err with a message and the caller's stack.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Origin returns the "file.go:line" position where err was created,
// or "" if err carries no stack. For wrapped errors the innermost
// recorded position wins.
func Origin(err error) string {
	var trace errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(stackTracer); ok {
			trace = t.StackTrace()
		}
	}
	if len(trace) == 0 {
		return ""
	}
	frame := trace[0]
	// The first frame points into this package when the error came from
	// one of the constructors above; the caller is one level up.
	if fmt.Sprintf("%n", frame) == "New" || fmt.Sprintf("%n", frame) == "Newf" ||
		fmt.Sprintf("%n", frame) == "Wrapf" {
		if len(trace) > 1 {
			frame = trace[1]
		}
	}
	return fmt.Sprintf("%v", frame)
}

// Report renders err the way it is shown to the user on campaign failure.
func Report(err error) string {
	origin := Origin(err)
	if origin == "" {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return fmt.Sprintf("ERROR: %v\n    ↳ in %v", err, origin)
}
