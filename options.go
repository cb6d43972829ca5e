// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"io"
	"log/slog"

	"github.com/bpowers/blob/internal/base"
	"github.com/bpowers/blob/internal/pagefile"
)

// DefaultPageSize is the page size of new storages unless WithPageSize
// says otherwise.
const DefaultPageSize = 8 << 10

// LockContext coordinates access to one or more storages.  Readers hold it
// shared and writers exclusively.  It is not reentrant.
type LockContext = pagefile.LockContext

// NewLockContext returns a LockContext that can be shared between storages
// with WithLockContext.
func NewLockContext() *LockContext {
	return pagefile.NewLockContext()
}

// Option configures Open.
type Option func(*options)

type options struct {
	pageSize    int
	pageSizeSet bool
	mmap        bool
	growable    bool
	strategy    AllocationStrategy
	lock        *LockContext
	logger      *slog.Logger
}

func defaultOptions() options {
	return options{
		pageSize: DefaultPageSize,
		mmap:     true,
		growable: true,
		strategy: DefaultAllocationStrategy,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (o *options) validate() error {
	if o.strategy == nil {
		return base.InvalidArgumentf("blob: nil allocation strategy")
	}
	if o.pageSize < pagefile.MinPageSize || o.pageSize > pagefile.MaxPageSize {
		return base.InvalidArgumentf("blob: page size %d outside [%d, %d]", o.pageSize, pagefile.MinPageSize, pagefile.MaxPageSize)
	}
	return nil
}

// WithPageSize sets the page size of a new storage; it must be a power of
// two between 1 KiB and 1 GiB.  Existing storages keep the page size they
// were created with, and asking for a different one is an error.
func WithPageSize(pageSize int) Option {
	return func(opts *options) {
		opts.pageSize = pageSize
		opts.pageSizeSet = true
	}
}

// WithMemoryMapping chooses between memory-mapped pages (the default) and
// pages read into memory and written back on Flush and Close.
func WithMemoryMapping(enabled bool) Option {
	return func(opts *options) {
		opts.mmap = enabled
	}
}

// WithGrowable controls whether the file may be extended.  Writes that need
// more space than a non-growable file has fail with ErrIO.
func WithGrowable(growable bool) Option {
	return func(opts *options) {
		opts.growable = growable
	}
}

// WithAllocationStrategy sets the policy used to size new slots.
func WithAllocationStrategy(strategy AllocationStrategy) Option {
	return func(opts *options) {
		opts.strategy = strategy
	}
}

// WithLockContext makes the storage coordinate through lc instead of a
// private lock.
func WithLockContext(lc *LockContext) Option {
	return func(opts *options) {
		opts.lock = lc
	}
}

// WithLogger sets an optional logger for lifecycle and relocation
// messages.  If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}
