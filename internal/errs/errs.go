// Copyright 2026 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the failure taxonomy shared by all potato packages.
package errs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Kind classifies the step of an isolation attempt that failed.
type Kind int

const (
	SpawnFailure Kind = iota + 1
	NamespaceFailure
	SignalFailure
	IdMapFailure
	NetworkFailure
	MountFailure
	ChrootFailure
)

var kindNames = map[Kind]string{
	SpawnFailure:     "spawn failure",
	NamespaceFailure: "namespace failure",
	SignalFailure:    "signal failure",
	IdMapFailure:     "id map failure",
	NetworkFailure:   "network failure",
	MountFailure:     "mount failure",
	ChrootFailure:    "chroot failure",
}

// String returns a human-readable name of the failure kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown failure"
}

// Error implements the error interface, so that a Kind can be used as a
// target with errors.Is.
func (k Kind) Error() string { return k.String() }

// Error reports a failed operation together with its failure kind and the
// underlying cause, which usually is a unix.Errno.
type Error struct {
	Kind Kind   // what kind of step failed.
	Op   string // the failed operation, such as "unshare" or "write uid_map".
	Err  error  // underlying cause, if any.
}

// New returns a new Error of the given kind for the failed operation op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error returns a description of the failure.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String() + ": " + e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is the Kind of this error.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// IsExist reports whether err has been caused by something that already
// exists. Network provisioning treats this as the ignorable kind of
// NetworkFailure.
func IsExist(err error) bool {
	return errors.Is(err, unix.EEXIST)
}

// KindOf returns the Kind of err, or 0 if err isn't an Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
