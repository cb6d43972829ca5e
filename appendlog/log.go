// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendlog

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/bpowers/blob/internal/base"
	"github.com/bpowers/blob/internal/pagefile"
	"github.com/bpowers/blob/internal/zero"
)

const (
	// DefaultPageSize is used for new logs unless WithPageSize says otherwise.
	DefaultPageSize = 8 << 10

	recordHeaderSize = 8
	recordAlignment  = 8

	recordLengthOff   = 0
	recordChecksumOff = 4
)

// RecordID identifies a record in the log.  It is the record's byte
// offset divided by 8, so ids are stable forever and grow monotonically.
type RecordID int32

// NullID never identifies a record.
const NullID RecordID = 0

// LockContext guards a log.  Several logs and storages may share one.
type LockContext = pagefile.LockContext

// NewLockContext returns a LockContext to share between logs.
func NewLockContext() *LockContext {
	return pagefile.NewLockContext()
}

var (
	ErrIO              = base.ErrIO
	ErrCorruption      = base.ErrCorruption
	ErrInvalidArgument = base.ErrInvalidArgument
	ErrClosed          = base.ErrClosed
)

// Option configures Open.
type Option func(*options)

type options struct {
	pageSize    int
	pageSizeSet bool
	mmap        bool
	lock        *LockContext
	logger      *slog.Logger
}

// WithPageSize sets the page size of a new log.  Existing logs keep the
// page size they were created with; asking for a different one fails.
func WithPageSize(pageSize int) Option {
	return func(o *options) {
		o.pageSize = pageSize
		o.pageSizeSet = true
	}
}

// WithMemoryMapping selects between the mmap backend (the default) and
// heap pages written back with pwrite.
func WithMemoryMapping(enabled bool) Option {
	return func(o *options) {
		o.mmap = enabled
	}
}

// WithLockContext makes the log use a caller-provided lock.
func WithLockContext(lc *LockContext) Option {
	return func(o *options) {
		o.lock = lc
	}
}

// WithLogger sets the logger used for recovery and lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Log is an append-only sequence of checksummed records in a paged file.
// Records never straddle a page boundary.
type Log struct {
	pf       *pagefile.File
	lock     *LockContext
	logger   *slog.Logger
	pageSize int64

	// guarded by lock
	h      fileHeader
	closed bool
}

// Open opens or creates the log at path.  Records that were appended
// after the header was last persisted are recovered by scanning forward
// from the persisted write pointer.
func Open(path string, opts ...Option) (*Log, error) {
	o := options{
		pageSize: DefaultPageSize,
		mmap:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.lock == nil {
		o.lock = pagefile.NewLockContext()
	}

	existing, ok, err := peekHeader(path)
	if err != nil {
		return nil, err
	}
	if ok {
		if o.pageSizeSet && int(existing.pageSize) != o.pageSize {
			return nil, base.InvalidArgumentf("appendlog: %s has page size %d, not %d", path, existing.pageSize, o.pageSize)
		}
		o.pageSize = int(existing.pageSize)
	}
	if o.pageSize < fileHeaderSize*2 {
		return nil, base.InvalidArgumentf("appendlog: page size %d too small", o.pageSize)
	}

	pf, err := pagefile.Open(path, pagefile.Options{
		PageSize:         o.pageSize,
		UseMemoryMapping: o.mmap,
		Growable:         true,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, err
	}

	l := &Log{
		pf:       pf,
		lock:     o.lock,
		logger:   o.logger,
		pageSize: int64(o.pageSize),
	}

	if err := l.init(); err != nil {
		_ = pf.Close()
		return nil, err
	}

	return l, nil
}

func (l *Log) init() error {
	if l.pf.Size() == 0 {
		l.h = newFileHeader(int(l.pageSize))
		if err := l.persistHeader(); err != nil {
			return err
		}
		l.logger.Debug("appendlog: created", "path", l.pf.Path(), "pageSize", l.pageSize)
		return nil
	}

	page, err := l.pf.Page(0)
	if err != nil {
		return err
	}
	if err := l.h.UnmarshalBytes(page); err != nil {
		return errors.Wrapf(err, "appendlog: %s", l.pf.Path())
	}
	if int64(l.h.pageSize) != l.pageSize {
		return base.CorruptionErrorf("appendlog: page size changed underneath us (%d != %d)", l.h.pageSize, l.pageSize)
	}
	if int64(l.h.writePointer) > l.pf.Size() {
		return base.CorruptionErrorf("appendlog: write pointer %d beyond end of file (%d)", l.h.writePointer, l.pf.Size())
	}

	recovered, err := l.recover()
	if err != nil {
		return err
	}
	if recovered > 0 {
		l.logger.Warn("appendlog: recovered records past persisted write pointer",
			"path", l.pf.Path(),
			"recovered", recovered,
			"writePointer", l.h.writePointer)
	}
	l.logger.Debug("appendlog: opened",
		"path", l.pf.Path(),
		"records", l.h.recordCount,
		"writePointer", l.h.writePointer)
	return nil
}

// recover scans forward from the persisted write pointer for records that
// made it to disk before the header did.  Scanning stops at the first
// empty page, torn record or checksum mismatch.
func (l *Log) recover() (int, error) {
	fileEnd := l.pf.Size()
	off := int64(l.h.writePointer)
	end := off
	recovered := 0

	for off+recordHeaderSize <= fileEnd {
		pageIdx, inPage := off/l.pageSize, off%l.pageSize
		page, err := l.pf.Page(pageIdx)
		if err != nil {
			return 0, err
		}
		header := page[inPage : inPage+recordHeaderSize]
		if zero.IsZero(header) {
			if inPage == 0 {
				break
			}
			// padding to the end of the page
			off = (pageIdx + 1) * l.pageSize
			continue
		}
		length, expectedChecksum := readRecordHeader(header)
		if inPage+recordHeaderSize+length > l.pageSize {
			break
		}
		payload := page[inPage+recordHeaderSize : inPage+recordHeaderSize+length]
		if checksum(payload) != expectedChecksum {
			break
		}
		off += alignUp(recordHeaderSize + length)
		end = off
		recovered++
	}

	if recovered == 0 {
		return 0, nil
	}
	l.h.writePointer = uint64(end)
	l.h.recordCount += uint64(recovered)
	if err := l.persistHeader(); err != nil {
		return 0, err
	}
	return recovered, nil
}

func (l *Log) persistHeader() error {
	page, err := l.pf.PageForWrite(0)
	if err != nil {
		return err
	}
	return l.h.MarshalTo(page)
}

func (l *Log) checkOpenLocked() error {
	if l.closed {
		return errors.Wrapf(ErrClosed, "appendlog: %s", l.pf.Path())
	}
	return nil
}

func alignUp(n int64) int64 {
	return (n + recordAlignment - 1) &^ (recordAlignment - 1)
}

func checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}

func readRecordHeader(header []byte) (length int64, expectedChecksum uint32) {
	_ = header[recordHeaderSize-1]
	length = int64(binary.LittleEndian.Uint32(header[recordLengthOff:]))
	expectedChecksum = binary.LittleEndian.Uint32(header[recordChecksumOff:])
	return
}

// MaxPayloadSize is the largest payload Append accepts.
func (l *Log) MaxPayloadSize() int {
	return int(l.pageSize) - recordHeaderSize
}

// Append writes payload at the end of the log and returns its id.  A
// payload that does not fit in the rest of the current page starts on the
// next one; the remainder is zero padding.
func (l *Log) Append(payload []byte) (RecordID, error) {
	if len(payload) > l.MaxPayloadSize() {
		return NullID, base.InvalidArgumentf("appendlog: payload of %d bytes exceeds maximum of %d", len(payload), l.MaxPayloadSize())
	}

	l.lock.Lock()
	defer l.lock.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return NullID, err
	}

	need := int64(recordHeaderSize + len(payload))
	off := int64(l.h.writePointer)
	pageIdx, inPage := off/l.pageSize, off%l.pageSize
	if inPage+need > l.pageSize {
		page, err := l.pf.PageForWrite(pageIdx)
		if err != nil {
			return NullID, err
		}
		// a crash may have left a torn record here
		zero.Bytes(page[inPage:])
		pageIdx++
		inPage = 0
		off = pageIdx * l.pageSize
	}
	if off/recordAlignment > math.MaxInt32 {
		return NullID, base.IOErrorf("appendlog: %s is full", l.pf.Path())
	}

	page, err := l.pf.PageForWrite(pageIdx)
	if err != nil {
		return NullID, err
	}
	record := page[inPage : inPage+alignUp(need)]
	binary.LittleEndian.PutUint32(record[recordLengthOff:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(record[recordChecksumOff:], checksum(payload))
	n := copy(record[recordHeaderSize:], payload)
	zero.Bytes(record[recordHeaderSize+n:])

	l.h.writePointer = uint64(off + alignUp(need))
	l.h.recordCount++
	if err := l.persistHeader(); err != nil {
		return NullID, err
	}

	return RecordID(off / recordAlignment), nil
}

// Read calls fn with the payload of the record id.  The slice aliases the
// page and must not be retained or modified after fn returns.
func (l *Log) Read(id RecordID, fn func(payload []byte) error) error {
	l.lock.RLock()
	defer l.lock.RUnlock()

	payload, err := l.payloadLocked(id)
	if err != nil {
		return err
	}
	return fn(payload)
}

// ReadBytes returns a copy of the payload of the record id.
func (l *Log) ReadBytes(id RecordID) ([]byte, error) {
	var out []byte
	err := l.Read(id, func(payload []byte) error {
		out = append([]byte{}, payload...)
		return nil
	})
	return out, err
}

func (l *Log) payloadLocked(id RecordID) ([]byte, error) {
	if err := l.checkOpenLocked(); err != nil {
		return nil, err
	}
	if id <= NullID {
		return nil, base.InvalidArgumentf("appendlog: invalid record id %d", id)
	}
	off := int64(id) * recordAlignment
	if off < fileHeaderSize {
		return nil, base.InvalidArgumentf("appendlog: record id %d is reserved", id)
	}
	if off >= int64(l.h.writePointer) {
		return nil, base.CorruptionErrorf("appendlog: record %d beyond write pointer %d", id, l.h.writePointer)
	}

	pageIdx, inPage := off/l.pageSize, off%l.pageSize
	page, err := l.pf.Page(pageIdx)
	if err != nil {
		return nil, err
	}
	if inPage+recordHeaderSize > l.pageSize {
		return nil, base.CorruptionErrorf("appendlog: record %d header crosses a page boundary", id)
	}
	header := page[inPage : inPage+recordHeaderSize]
	if zero.IsZero(header) {
		return nil, base.CorruptionErrorf("appendlog: record %d points at padding", id)
	}
	length, expectedChecksum := readRecordHeader(header)
	if inPage+recordHeaderSize+length > l.pageSize || off+recordHeaderSize+length > int64(l.h.writePointer) {
		return nil, base.CorruptionErrorf("appendlog: record %d has impossible length %d", id, length)
	}
	payload := page[inPage+recordHeaderSize : inPage+recordHeaderSize+length]
	if actual := checksum(payload); actual != expectedChecksum {
		return nil, base.CorruptionErrorf("appendlog: record %d checksum failed (%d != %d)", id, expectedChecksum, actual)
	}
	return payload, nil
}

// Len returns the number of records in the log.  Len, WritePointer and
// DataFormatVersion keep reporting the values the log had when it was
// closed.
func (l *Log) Len() int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return int64(l.h.recordCount)
}

// WritePointer returns the byte offset at which the next record would be
// appended (before any page padding).
func (l *Log) WritePointer() int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return int64(l.h.writePointer)
}

// DataFormatVersion returns the caller-owned version stored in the header.
func (l *Log) DataFormatVersion() int32 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.h.dataFormatVersion
}

// SetDataFormatVersion persists a caller-owned version number in the header.
func (l *Log) SetDataFormatVersion(v int32) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if err := l.checkOpenLocked(); err != nil {
		return err
	}
	l.h.dataFormatVersion = v
	return l.persistHeader()
}

// Flush makes every appended record durable.
func (l *Log) Flush() error {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if err := l.checkOpenLocked(); err != nil {
		return err
	}
	return l.pf.Flush()
}

// Close flushes and closes the log.  Every later call that touches the
// file fails with ErrClosed; closing twice is a no-op.
func (l *Log) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.pf.Close()
}

// Path returns the path of the log file.
func (l *Log) Path() string {
	return l.pf.Path()
}
