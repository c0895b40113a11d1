// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation marks conditions that cannot occur unless the
	// program or the stored data is broken. Callers must not retry them.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrIllegalState is an invariant violation caused by calling an
	// operation in a state that forbids it.
	ErrIllegalState = fmt.Errorf("%w: illegal state", ErrInvariantViolation)
)

// InvariantError carries the operation and detail of an invariant violation.
type InvariantError struct {
	Op   string
	Msg  string
	Kind error
	Err  error
}

func (e *InvariantError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s: %s", e.Kind.Error(), e.Op, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvariantError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invariantf(op string, cause error, format string, args ...any) error {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...), Kind: ErrInvariantViolation, Err: cause}
}

func illegalStatef(op string, format string, args ...any) error {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...), Kind: ErrIllegalState}
}
