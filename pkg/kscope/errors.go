// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"errors"
	"fmt"
)

var (
	ErrConnection      = errors.New("connection error")
	ErrMetadata        = errors.New("metadata error")
	ErrResolution      = errors.New("offset resolution error")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionConflict = errors.New("session conflict")
	ErrCommit          = errors.New("commit error")
	ErrFetch           = errors.New("fetch error")
	ErrGroupExists     = errors.New("group already has committed offsets")
	ErrTopicNotFound   = errors.New("topic not found")
	ErrAdmin           = errors.New("admin error")
)

// Error tags a failure with one of the sentinel kinds above while keeping
// the underlying cause reachable through errors.Is / errors.As.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func NewError(kind error, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:  kind,
		Msg:   fmt.Sprintf(format, args...),
		Cause: cause,
	}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind.Error(), e.Msg, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Cause
}
