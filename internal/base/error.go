// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package base holds the error taxonomy shared by the page file, the
// append-only log and the blob storage.
package base

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrIO marks failures of the underlying file or mapping.
	ErrIO = errors.New("blob: i/o error")
	// ErrCorruption marks file contents that are inconsistent with the
	// on-disk format: bad headers, dangling or cyclic forwarding, reads of
	// slots that were never written.
	ErrCorruption = errors.New("blob: corruption")
	// ErrInvalidArgument marks caller errors such as oversized payloads or
	// reserved record ids.
	ErrInvalidArgument = errors.New("blob: invalid argument")
	// ErrNotFound means the record id resolves to a deleted record.
	ErrNotFound = errors.New("blob: not found")
	// ErrClosed is returned by every operation on a closed storage.
	ErrClosed = errors.New("blob: closed")
)

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// InvalidArgumentf returns an error marked as ErrInvalidArgument.
func InvalidArgumentf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// NotFoundf returns an error marked as ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// IOErrorf returns an error marked as ErrIO.
func IOErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIO)
}

// WrapIO annotates err and marks it as ErrIO, unless it already carries
// one of the other classes (a closed file stays ErrClosed).
func WrapIO(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	if errors.IsAny(err, ErrClosed, ErrCorruption, ErrInvalidArgument, ErrNotFound, ErrIO) {
		return wrapped
	}
	return errors.Mark(wrapped, ErrIO)
}
