// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fserrors defines the internal error kinds produced by the file
// system core, and the single-site translation from those kinds to the
// syscall.Errno values the kernel callback layer expects in reply.
package fserrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies an internal error so that handlers can translate it to a
// POSIX errno without inspecting error strings.
type Kind int

const (
	// IO covers unexpected block device read/write failures.
	IO Kind = iota
	// NoSpace means the allocator could not satisfy a block request.
	NoSpace
	// NameTooLong means a directory entry name exceeded the 27-byte limit.
	NameTooLong
	// NotFound means a directory lookup or resolve failed.
	NotFound
	// Exists means a directory entry with that name is already present.
	Exists
	// NotDir means an operation that required a directory was given a file.
	NotDir
	// IsDir means an operation that required a file was given a directory.
	IsDir
	// NotEmpty means rmdir was attempted on a directory with live entries.
	NotEmpty
	// Invalid means a request was malformed in a way no errno above fits.
	Invalid
	// Corrupt means an on-disk invariant was violated; fatal to the handler.
	Corrupt
)

// Error is the rich internal error type threaded through the core; handlers
// convert it to a syscall.Errno exactly once, at the reply boundary.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.Kind == kind
	}
	return false
}

// Errno translates err to the syscall.Errno the kernel callback layer
// expects as the handler's return value. A nil err translates to nil. An
// err that is not an *Error (e.g. a bare device I/O failure) is treated as
// Kind IO.
func Errno(err error) error {
	if err == nil {
		return nil
	}

	var fsErr *Error
	if !errors.As(err, &fsErr) {
		return syscall.EIO
	}

	switch fsErr.Kind {
	case NoSpace:
		return syscall.ENOSPC
	case Exists:
		return syscall.EEXIST
	case NotDir:
		return syscall.ENOTDIR
	case IsDir:
		return syscall.EISDIR
	case NotEmpty:
		return syscall.ENOTEMPTY
	case NameTooLong:
		return syscall.ENAMETOOLONG
	case NotFound:
		return syscall.ENOENT
	case Invalid:
		return syscall.EINVAL
	case Corrupt, IO:
		fallthrough
	default:
		return syscall.EIO
	}
}
