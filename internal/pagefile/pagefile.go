// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package pagefile exposes a growable file as a sequence of fixed-size
// pages.  Pages are either memory-mapped (in segments that are mapped once
// and never remapped, so a page view stays valid until Close) or cached
// on the heap and written back with pwrite on Flush.
//
// Page views must not be retained past the operation that requested them.
// Reads are safe from multiple goroutines; writers to the same page must
// be serialized by the caller, usually with a LockContext.
package pagefile

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/bpowers/blob/internal/base"
)

const (
	MinPageSize = 1 << 10
	MaxPageSize = 1 << 30

	// segments are the unit of mmap; they must be a multiple of the OS
	// page size, which is at most 64 KiB on the platforms we care about.
	minSegmentSize = 64 << 10
)

// Options configures a File.
type Options struct {
	PageSize         int
	UseMemoryMapping bool
	Growable         bool
	Logger           *slog.Logger
}

func (o Options) validate() error {
	if o.PageSize < MinPageSize || o.PageSize > MaxPageSize {
		return base.InvalidArgumentf("pagefile: page size %d outside [%d, %d]", o.PageSize, MinPageSize, MaxPageSize)
	}
	if o.PageSize&(o.PageSize-1) != 0 {
		return base.InvalidArgumentf("pagefile: page size %d is not a power of two", o.PageSize)
	}
	return nil
}

type heapPage struct {
	buf   []byte
	dirty atomic.Bool
}

// File is a paged view of a file on disk.
type File struct {
	path     string
	f        *os.File
	pageSize int64
	growable bool
	mmapped  bool
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	size   int64

	segmentSize int64
	segments    [][]byte

	pages map[int64]*heapPage
}

// Open opens (creating if necessary) the file at path and takes an
// exclusive advisory lock on it.
func Open(path string, opts Options) (*File, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, base.WrapIO(err, "os.OpenFile(%s)", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, base.IOErrorf("pagefile: %s is already open", path)
		}
		return nil, base.WrapIO(err, "flock(%s)", path)
	}

	stats, err := f.Stat()
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, base.WrapIO(err, "f.Stat")
	}

	pf := &File{
		path:     path,
		f:        f,
		pageSize: int64(opts.PageSize),
		growable: opts.Growable,
		mmapped:  opts.UseMemoryMapping,
		logger:   logger,
		size:     stats.Size(),
	}
	if pf.mmapped {
		pf.segmentSize = max(pf.pageSize, minSegmentSize, int64(os.Getpagesize()))
	} else {
		pf.pages = make(map[int64]*heapPage)
	}

	logger.Debug("pagefile: opened",
		"path", path,
		"size", pf.size,
		"pageSize", pf.pageSize,
		"mmap", pf.mmapped)

	return pf, nil
}

// ReadPrefix returns up to n bytes from the start of the file at path,
// without locking it.  Owners use it to learn the page size recorded in
// their header before calling Open.  A missing file yields no bytes.
func ReadPrefix(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, base.WrapIO(err, "os.Open(%s)", path)
	}
	defer func() {
		_ = f.Close()
	}()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, base.WrapIO(err, "f.ReadAt")
	}
	return buf[:read], nil
}

// PageSize returns the fixed page size of the file.
func (pf *File) PageSize() int {
	return int(pf.pageSize)
}

// Size returns the current length of the backing file in bytes.
func (pf *File) Size() int64 {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.size
}

// Path returns the path the file was opened with.
func (pf *File) Path() string {
	return pf.path
}

// Page returns a read view of the page at index, extending the file
// first if the page lies past its end.
func (pf *File) Page(index int64) ([]byte, error) {
	return pf.page(index, false)
}

// PageForWrite returns a writable view of the page at index.  With the
// heap backend the page is marked dirty and written back on Flush.
func (pf *File) PageForWrite(index int64) ([]byte, error) {
	return pf.page(index, true)
}

func (pf *File) page(index int64, forWrite bool) ([]byte, error) {
	if index < 0 {
		return nil, base.InvalidArgumentf("pagefile: negative page index %d", index)
	}

	pf.mu.RLock()
	if pf.closed {
		pf.mu.RUnlock()
		return nil, errors.Wrapf(base.ErrClosed, "pagefile: page %d of %s", index, pf.path)
	}
	if p, ok := pf.cachedPageLocked(index, forWrite); ok {
		pf.mu.RUnlock()
		return p, nil
	}
	pf.mu.RUnlock()

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.closed {
		return nil, errors.Wrapf(base.ErrClosed, "pagefile: page %d of %s", index, pf.path)
	}
	// someone may have loaded it while we waited for the write lock
	if p, ok := pf.cachedPageLocked(index, forWrite); ok {
		return p, nil
	}
	if pf.mmapped {
		return pf.mapPageLocked(index)
	}
	return pf.readPageLocked(index, forWrite)
}

// cachedPageLocked requires pf.mu to be held (shared is enough).
func (pf *File) cachedPageLocked(index int64, forWrite bool) ([]byte, bool) {
	if pf.mmapped {
		off := index * pf.pageSize
		segIdx := off / pf.segmentSize
		if segIdx >= int64(len(pf.segments)) || pf.segments[segIdx] == nil {
			return nil, false
		}
		seg := pf.segments[segIdx]
		inSeg := off - segIdx*pf.segmentSize
		if inSeg+pf.pageSize > int64(len(seg)) {
			return nil, false
		}
		return seg[inSeg : inSeg+pf.pageSize : inSeg+pf.pageSize], true
	}

	p, ok := pf.pages[index]
	if !ok {
		return nil, false
	}
	if forWrite {
		p.dirty.Store(true)
	}
	return p.buf, true
}

func (pf *File) growLocked(newSize int64) error {
	if newSize <= pf.size {
		return nil
	}
	if !pf.growable {
		return base.IOErrorf("pagefile: %s is not growable (size %d, need %d)", pf.path, pf.size, newSize)
	}
	if err := pf.f.Truncate(newSize); err != nil {
		return base.WrapIO(err, "f.Truncate(%d)", newSize)
	}
	pf.logger.Debug("pagefile: grew file", "path", pf.path, "from", pf.size, "to", newSize)
	pf.size = newSize
	return nil
}

func (pf *File) mapPageLocked(index int64) ([]byte, error) {
	off := index * pf.pageSize
	segIdx := off / pf.segmentSize
	segStart := segIdx * pf.segmentSize
	segLen := pf.segmentSize

	if segStart+segLen > pf.size {
		if pf.growable {
			if err := pf.growLocked(segStart + segLen); err != nil {
				return nil, err
			}
		} else {
			// map only what the file has: touching mapped memory past
			// EOF faults
			if off+pf.pageSize > pf.size {
				return nil, base.IOErrorf("pagefile: page %d beyond end of non-growable %s (size %d)", index, pf.path, pf.size)
			}
			segLen = pf.size - segStart
		}
	}

	// a short segment from a non-growable file may already be mapped
	if segIdx < int64(len(pf.segments)) && pf.segments[segIdx] != nil {
		if err := unix.Munmap(pf.segments[segIdx]); err != nil {
			return nil, base.WrapIO(err, "munmap")
		}
		pf.segments[segIdx] = nil
	}

	seg, err := unix.Mmap(int(pf.f.Fd()), segStart, int(segLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, base.WrapIO(err, "mmap(%s, off=%d, len=%d)", pf.path, segStart, segLen)
	}
	if err := unix.Madvise(seg, unix.MADV_RANDOM); err != nil {
		_ = unix.Munmap(seg)
		return nil, base.WrapIO(err, "madvise")
	}

	for int64(len(pf.segments)) <= segIdx {
		pf.segments = append(pf.segments, nil)
	}
	pf.segments[segIdx] = seg

	inSeg := off - segStart
	return seg[inSeg : inSeg+pf.pageSize : inSeg+pf.pageSize], nil
}

func (pf *File) readPageLocked(index int64, forWrite bool) ([]byte, error) {
	off := index * pf.pageSize
	if err := pf.growLocked(off + pf.pageSize); err != nil {
		return nil, err
	}

	buf := make([]byte, pf.pageSize)
	n, err := pf.f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, base.WrapIO(err, "f.ReadAt(%d)", off)
	} else if int64(n) != pf.pageSize && err == nil {
		return nil, base.IOErrorf("pagefile: short read of %d at %d", n, off)
	}

	p := &heapPage{buf: buf}
	if forWrite {
		p.dirty.Store(true)
	}
	pf.pages[index] = p
	return buf, nil
}

// Flush makes the contents of written pages durable: msync for mapped
// segments, pwrite + fsync for dirty heap pages.
func (pf *File) Flush() error {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if pf.closed {
		return errors.Wrapf(base.ErrClosed, "pagefile: flush %s", pf.path)
	}
	return pf.flushLocked()
}

func (pf *File) flushLocked() error {
	if pf.mmapped {
		for _, seg := range pf.segments {
			if seg == nil {
				continue
			}
			if err := unix.Msync(seg, unix.MS_SYNC); err != nil {
				return base.WrapIO(err, "msync(%s)", pf.path)
			}
		}
		return nil
	}

	wrote := false
	for index, p := range pf.pages {
		if !p.dirty.Swap(false) {
			continue
		}
		if _, err := pf.f.WriteAt(p.buf, index*pf.pageSize); err != nil {
			p.dirty.Store(true)
			return base.WrapIO(err, "f.WriteAt(page %d)", index)
		}
		wrote = true
	}
	if wrote {
		if err := pf.f.Sync(); err != nil {
			return base.WrapIO(err, "f.Sync")
		}
	}
	return nil
}

// Close flushes, releases every mapping and the file lock, and closes
// the file.  Closing an already-closed File is a no-op.
func (pf *File) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.closed {
		return nil
	}
	pf.closed = true

	err := pf.flushLocked()
	for i, seg := range pf.segments {
		if seg == nil {
			continue
		}
		if unmapErr := unix.Munmap(seg); unmapErr != nil && err == nil {
			err = base.WrapIO(unmapErr, "munmap")
		}
		pf.segments[i] = nil
	}
	pf.segments = nil
	pf.pages = nil

	if unlockErr := unix.Flock(int(pf.f.Fd()), unix.LOCK_UN); unlockErr != nil && err == nil {
		err = base.WrapIO(unlockErr, "flock(LOCK_UN)")
	}
	if closeErr := pf.f.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, fs.ErrClosed) {
		err = base.WrapIO(closeErr, "f.Close")
	}

	pf.logger.Debug("pagefile: closed", "path", pf.path)
	return err
}
