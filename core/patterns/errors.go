// Licensed to NASA JPL under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. NASA JPL licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package patterns

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind - category of a dataset error. Callers match on these with errors.Is against the Err* sentinels
type ErrorKind int

const (
	FileNotFound ErrorKind = iota + 1
	UnknownFileType
	ReadFailed
	WriteFailed
	ShapeMismatch
	InvalidMetadata
	IncompleteDataset
	IndexOutOfRange
	SessionClosed
	SessionNotStarted
)

var errorKindNames = map[ErrorKind]string{
	FileNotFound:      "file not found",
	UnknownFileType:   "unknown file type",
	ReadFailed:        "read failed",
	WriteFailed:       "write failed",
	ShapeMismatch:     "shape mismatch",
	InvalidMetadata:   "invalid metadata",
	IncompleteDataset: "incomplete dataset",
	IndexOutOfRange:   "index out of range",
	SessionClosed:     "session closed",
	SessionNotStarted: "session not started",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error - a dataset error of a given kind, optionally caused by a lower level error
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if len(e.Msg) > 0 {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is - matches any *Error of the same kind, so errors.Is(err, ErrShapeMismatch) works regardless of message
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrFileNotFound      = &Error{Kind: FileNotFound}
	ErrUnknownFileType   = &Error{Kind: UnknownFileType}
	ErrReadFailed        = &Error{Kind: ReadFailed}
	ErrWriteFailed       = &Error{Kind: WriteFailed}
	ErrShapeMismatch     = &Error{Kind: ShapeMismatch}
	ErrInvalidMetadata   = &Error{Kind: InvalidMetadata}
	ErrIncompleteDataset = &Error{Kind: IncompleteDataset}
	ErrIndexOutOfRange   = &Error{Kind: IndexOutOfRange}
	ErrSessionClosed     = &Error{Kind: SessionClosed}
	ErrSessionNotStarted = &Error{Kind: SessionNotStarted}
)

func newError(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapError - attaches a stack to the cause so it survives being logged further up
func wrapError(kind ErrorKind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: errors.WithStack(cause)}
}

// KindOf - returns the kind of the first *Error in the chain, 0 if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// NewReadFailedError - for reader strategies outside this package
func NewReadFailedError(cause error, format string, args ...interface{}) error {
	return wrapError(ReadFailed, cause, format, args...)
}

func NewWriteFailedError(cause error, format string, args ...interface{}) error {
	return wrapError(WriteFailed, cause, format, args...)
}

func NewFileNotFoundError(path string) error {
	return newError(FileNotFound, "%v", path)
}

func NewUnknownFileTypeError(fileType string) error {
	return newError(UnknownFileType, "%v", fileType)
}

func NewShapeMismatchError(format string, args ...interface{}) error {
	return newError(ShapeMismatch, format, args...)
}

func NewInvalidMetadataError(format string, args ...interface{}) error {
	return newError(InvalidMetadata, format, args...)
}
