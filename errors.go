// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"github.com/bpowers/blob/internal/base"
)

// Errors returned by this package are marked with one of these; test for
// them with errors.Is.
var (
	ErrIO              = base.ErrIO
	ErrCorruption      = base.ErrCorruption
	ErrInvalidArgument = base.ErrInvalidArgument
	ErrNotFound        = base.ErrNotFound
	ErrClosed          = base.ErrClosed
)
