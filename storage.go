// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"io"
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/bpowers/blob/internal/base"
	"github.com/bpowers/blob/internal/pagefile"
	"github.com/bpowers/blob/internal/zero"
)

// RecordID identifies a record.  It encodes the byte offset of the
// record's slot (offset = id * 8).  Once returned to a caller an id keeps
// resolving to the record's current contents, following forwarding
// pointers left behind when the record was relocated.
type RecordID int32

// NullID is never a record.  Writing to it allocates a new record.
const NullID RecordID = 0

// maxForwardingHops bounds forwarding chain resolution.  Path compression
// keeps real chains at one hop, so anything longer is corruption.
const maxForwardingHops = 64

// RecordWriter produces the new payload of a record from its current one.
// current is a private copy (empty for new records) that the writer may
// modify and return.  Returning an error aborts the write with no change
// to the storage.
type RecordWriter func(current []byte) ([]byte, error)

// Storage is a file of variable-sized, relocatable records addressed by
// RecordID.  It is safe for concurrent use; all methods take the
// storage's LockContext.
type Storage struct {
	pf       *pagefile.File
	lock     *LockContext
	logger   *slog.Logger
	strategy AllocationStrategy
	pageSize int64

	// guarded by lock
	h                 storageHeader
	closed            bool
	wasClosedProperly bool
}

// slot is a resolved view of a slot header and its payload area.  The
// slices alias a page and are only valid while the lock is held.
type slot struct {
	id       RecordID
	header   []byte
	payload  []byte // all capacity bytes
	capacity uint32
	length   uint32
}

// Open opens the storage at path, creating it if it doesn't exist.
func Open(path string, opts ...Option) (*Storage, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.lock == nil {
		o.lock = pagefile.NewLockContext()
	}

	prefix, err := pagefile.ReadPrefix(path, fileHeaderSize)
	if err != nil {
		return nil, err
	}
	if len(prefix) > 0 {
		var existing storageHeader
		if err := existing.UnmarshalBytes(prefix); err != nil {
			return nil, errors.Wrapf(err, "blob: %s", path)
		}
		if o.pageSizeSet && int(existing.pageSize) != o.pageSize {
			return nil, base.InvalidArgumentf("blob: %s has page size %d, not %d", path, existing.pageSize, o.pageSize)
		}
		o.pageSize = int(existing.pageSize)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	pf, err := pagefile.Open(path, pagefile.Options{
		PageSize:         o.pageSize,
		UseMemoryMapping: o.mmap,
		Growable:         o.growable,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "pagefile.Open(%s)", path)
	}

	s := &Storage{
		pf:       pf,
		lock:     o.lock,
		logger:   o.logger,
		strategy: o.strategy,
		pageSize: int64(o.pageSize),
	}
	if err := s.init(); err != nil {
		_ = pf.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) init() error {
	if s.pf.Size() == 0 {
		s.h = newStorageHeader(int(s.pageSize))
		s.wasClosedProperly = true
		if err := s.persistHeaderLocked(); err != nil {
			return err
		}
		s.logger.Debug("blob: created storage", "path", s.pf.Path(), "pageSize", s.pageSize)
		return nil
	}

	page, err := s.pf.Page(0)
	if err != nil {
		return err
	}
	if err := s.h.UnmarshalBytes(page); err != nil {
		return errors.Wrapf(err, "blob: %s", s.pf.Path())
	}
	if int64(s.h.pageSize) != s.pageSize {
		return base.CorruptionErrorf("blob: page size changed underneath us (%d != %d)", s.h.pageSize, s.pageSize)
	}
	if int64(s.h.nextSlot) > s.pf.Size() {
		return base.CorruptionErrorf("blob: next slot offset %d beyond end of file (%d)", s.h.nextSlot, s.pf.Size())
	}

	s.wasClosedProperly = s.h.status == statusClosedCleanly
	if !s.wasClosedProperly {
		s.logger.Warn("blob: storage was not closed properly; consider running Check",
			"path", s.pf.Path())
	}
	s.h.status = statusOpen
	if err := s.persistHeaderLocked(); err != nil {
		return err
	}

	s.logger.Debug("blob: opened storage",
		"path", s.pf.Path(),
		"records", s.h.allocated-s.h.relocated-s.h.deleted,
		"nextSlot", s.h.nextSlot)
	return nil
}

func (s *Storage) persistHeaderLocked() error {
	page, err := s.pf.PageForWrite(0)
	if err != nil {
		return err
	}
	return s.h.MarshalTo(page)
}

func (s *Storage) checkOpenLocked() error {
	if s.closed {
		return errors.Wrapf(ErrClosed, "blob: %s", s.pf.Path())
	}
	return nil
}

// MaxPayloadSize is the largest payload a single record can hold.
func (s *Storage) MaxPayloadSize() int {
	return int(s.pageSize) - slotHeaderSize
}

// PageSize returns the page size the storage was created with.
func (s *Storage) PageSize() int {
	return int(s.pageSize)
}

// Path returns the path of the backing file.
func (s *Storage) Path() string {
	return s.pf.Path()
}

// idOffsetLocked validates that id could name a slot and returns its
// offset.  Ids inside the file header, including NullID, are invalid
// arguments; ids at or past the next slot offset were never allocated.
func (s *Storage) idOffsetLocked(id RecordID) (int64, error) {
	if id <= NullID {
		return 0, base.InvalidArgumentf("blob: invalid record id %d", id)
	}
	off := int64(id) * slotAlignment
	if off < fileHeaderSize {
		return 0, base.InvalidArgumentf("blob: record id %d is reserved", id)
	}
	if off+slotHeaderSize > int64(s.h.nextSlot) {
		return 0, base.CorruptionErrorf("blob: record %d was never written (next slot offset %d)", id, s.h.nextSlot)
	}
	return off, nil
}

func (s *Storage) isAllocatedLocked(id RecordID) bool {
	off := int64(id) * slotAlignment
	return id > NullID && off >= fileHeaderSize && off+slotHeaderSize <= int64(s.h.nextSlot)
}

// slotLocked reads the slot header at id and sanity checks it.
func (s *Storage) slotLocked(id RecordID, forWrite bool) (slot, error) {
	off, err := s.idOffsetLocked(id)
	if err != nil {
		return slot{}, err
	}
	pageIdx, inPage := off/s.pageSize, off%s.pageSize
	var page []byte
	if forWrite {
		page, err = s.pf.PageForWrite(pageIdx)
	} else {
		page, err = s.pf.Page(pageIdx)
	}
	if err != nil {
		return slot{}, err
	}

	if !s.isSlotStartLocked(page, pageIdx, inPage) {
		return slot{}, base.CorruptionErrorf("blob: record %d is not the start of a slot", id)
	}

	capacity, length := readSlotHeader(page[inPage : inPage+slotHeaderSize])
	if length == markerPadding {
		return slot{}, base.CorruptionErrorf("blob: record %d points at page padding", id)
	}
	if capacity < minSlotCapacity || inPage+slotHeaderSize+int64(capacity) > s.pageSize {
		return slot{}, base.CorruptionErrorf("blob: record %d has impossible capacity %d", id, capacity)
	}
	if length > capacity && length != markerMoved && length != markerDeleted {
		return slot{}, base.CorruptionErrorf("blob: record %d length %d exceeds capacity %d", id, length, capacity)
	}

	start := inPage + slotHeaderSize
	return slot{
		id:       id,
		header:   page[inPage:start],
		payload:  page[start : start+int64(capacity)],
		capacity: capacity,
		length:   length,
	}, nil
}

// isSlotStartLocked reports whether inPage is where a slot header starts
// in page.  Slots never cross pages, so walking the slot headers from the
// first one on the page finds every start.
func (s *Storage) isSlotStartLocked(page []byte, pageIdx, inPage int64) bool {
	off := int64(0)
	if pageIdx == 0 {
		off = fileHeaderSize
	}
	end := min(s.pageSize, int64(s.h.nextSlot)-pageIdx*s.pageSize)
	for off < inPage && off+slotHeaderSize <= end {
		capacity, _ := readSlotHeader(page[off : off+slotHeaderSize])
		off += slotHeaderSize + int64(capacity)
		if off%slotAlignment != 0 {
			return false
		}
	}
	return off == inPage
}

// hasSlotLocked reports whether id names an allocated slot.
func (s *Storage) hasSlotLocked(id RecordID) (bool, error) {
	if !s.isAllocatedLocked(id) {
		return false, nil
	}
	off := int64(id) * slotAlignment
	pageIdx, inPage := off/s.pageSize, off%s.pageSize
	page, err := s.pf.Page(pageIdx)
	if err != nil {
		return false, err
	}
	return s.isSlotStartLocked(page, pageIdx, inPage), nil
}

// resolveLocked follows forwarding pointers from id to the terminal slot,
// which is either live or deleted.  path holds the ids of the moved slots
// passed through, in order.
func (s *Storage) resolveLocked(id RecordID, forWrite bool) (terminal slot, path []RecordID, err error) {
	cur := id
	for hops := 0; ; hops++ {
		if hops > maxForwardingHops {
			return slot{}, nil, base.CorruptionErrorf("blob: forwarding chain from record %d exceeds %d hops", id, maxForwardingHops)
		}
		if hops > 0 && !s.isAllocatedLocked(cur) {
			return slot{}, nil, base.CorruptionErrorf("blob: record %d forwards to invalid record %d", path[len(path)-1], cur)
		}
		sl, err := s.slotLocked(cur, forWrite)
		if err != nil {
			return slot{}, nil, err
		}
		if sl.length != markerMoved {
			return sl, path, nil
		}
		path = append(path, cur)
		cur = forwardingTarget(sl.payload)
	}
}

// allocateLocked reserves a new slot big enough for length bytes.  When
// the slot doesn't fit in the rest of the current page, the rest becomes
// a padding slot and the new one starts the next page.
func (s *Storage) allocateLocked(length int) (slot, error) {
	capacity := int64(slotCapacity(s.strategy, length, s.MaxPayloadSize()))
	need := slotHeaderSize + capacity

	off := int64(s.h.nextSlot)
	pageIdx, inPage := off/s.pageSize, off%s.pageSize
	var padding []byte
	if inPage+need > s.pageSize {
		page, err := s.pf.PageForWrite(pageIdx)
		if err != nil {
			return slot{}, err
		}
		padding = page[inPage:]
		pageIdx++
		inPage = 0
		off = pageIdx * s.pageSize
	}
	if off/slotAlignment > math.MaxInt32 {
		return slot{}, base.IOErrorf("blob: %s is full", s.pf.Path())
	}

	// get (and maybe grow into) the new page before touching the old one
	page, err := s.pf.PageForWrite(pageIdx)
	if err != nil {
		return slot{}, err
	}
	if padding != nil {
		writeSlotHeader(padding, uint32(len(padding)-slotHeaderSize), markerPadding)
		zero.Bytes(padding[slotHeaderSize:])
	}
	start := inPage + slotHeaderSize
	sl := slot{
		id:       RecordID(off / slotAlignment),
		header:   page[inPage:start],
		payload:  page[start : start+capacity],
		capacity: uint32(capacity),
		length:   0,
	}
	writeSlotHeader(sl.header, sl.capacity, sl.length)

	s.h.nextSlot = uint64(off + need)
	s.h.allocated++
	return sl, nil
}

// WriteToRecord replaces the payload of the record id (or creates a new
// record if id is NullID) with what w returns.  The returned id is the one
// to use from now on: it equals id when the payload fit in place, and is
// a new id when the record had to be relocated.  id keeps resolving to the
// record either way.
func (s *Storage) WriteToRecord(id RecordID, w RecordWriter) (RecordID, error) {
	if id < NullID {
		return NullID, base.InvalidArgumentf("blob: invalid record id %d", id)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return NullID, err
	}

	var (
		current  []byte
		terminal slot
		path     []RecordID
	)
	if id != NullID {
		var err error
		terminal, path, err = s.resolveLocked(id, true)
		if err != nil {
			return NullID, err
		}
		if terminal.length == markerDeleted {
			return NullID, base.NotFoundf("blob: record %d was deleted", id)
		}
		current = append([]byte{}, terminal.payload[:terminal.length]...)
	}

	payload, err := w(current)
	if err != nil {
		return NullID, errors.Wrapf(err, "RecordWriter(%d)", id)
	}
	if len(payload) > s.MaxPayloadSize() {
		return NullID, base.InvalidArgumentf("blob: payload of %d bytes exceeds maximum of %d", len(payload), s.MaxPayloadSize())
	}

	if id != NullID && len(payload) <= int(terminal.capacity) {
		n := copy(terminal.payload, payload)
		if n < int(terminal.length) {
			zero.Bytes(terminal.payload[n:terminal.length])
		}
		setSlotLength(terminal.header, uint32(n))
		return terminal.id, nil
	}

	var chain []slot
	if id != NullID {
		for _, hop := range path {
			old, err := s.slotLocked(hop, true)
			if err != nil {
				return NullID, err
			}
			chain = append(chain, old)
		}
		chain = append(chain, terminal)
	}

	sl, err := s.allocateLocked(len(payload))
	if err != nil {
		return NullID, err
	}
	n := copy(sl.payload, payload)
	setSlotLength(sl.header, uint32(n))

	if id != NullID {
		// point every slot on the old chain straight at the new one
		for _, old := range chain {
			zero.Bytes(old.payload)
			putForwardingTarget(old.payload, sl.id)
			setSlotLength(old.header, markerMoved)
		}
		s.h.relocated++
		s.logger.Debug("blob: relocated record",
			"from", terminal.id,
			"to", sl.id,
			"length", n,
			"capacity", sl.capacity)
	}

	if err := s.persistHeaderLocked(); err != nil {
		return NullID, err
	}
	return sl.id, nil
}

// Write stores payload in the record id, or in a new record if id is
// NullID.  See WriteToRecord for the meaning of the returned id.
func (s *Storage) Write(id RecordID, payload []byte) (RecordID, error) {
	return s.WriteToRecord(id, func([]byte) ([]byte, error) {
		return payload, nil
	})
}

// Read calls fn with the payload of the record id and returns the id of
// the slot that holds it, which differs from id when the record was
// relocated.  payload aliases storage pages: it must not be modified or
// retained after fn returns.  Reading a deleted record is ErrNotFound.
func (s *Storage) Read(id RecordID, fn func(payload []byte) error) (RecordID, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return NullID, err
	}

	terminal, _, err := s.resolveLocked(id, false)
	if err != nil {
		return NullID, err
	}
	if terminal.length == markerDeleted {
		return NullID, base.NotFoundf("blob: record %d was deleted", id)
	}
	return terminal.id, fn(terminal.payload[:terminal.length])
}

// ReadBytes returns a copy of the payload of the record id.
func (s *Storage) ReadBytes(id RecordID) ([]byte, error) {
	var out []byte
	_, err := s.Read(id, func(payload []byte) error {
		out = append([]byte{}, payload...)
		return nil
	})
	return out, err
}

// ReadRecord decodes the record id with decode, returning the decoded
// value and the id of the slot it was read from.
func ReadRecord[T any](s *Storage, id RecordID, decode func(payload []byte) (T, error)) (T, RecordID, error) {
	var result T
	redirected, err := s.Read(id, func(payload []byte) error {
		var err error
		result, err = decode(payload)
		return err
	})
	return result, redirected, err
}

// HasRecord reports whether id resolves to a live record.  Reserved and
// never-written ids report false.
func (s *Storage) HasRecord(id RecordID) (bool, error) {
	if id < NullID {
		return false, base.InvalidArgumentf("blob: invalid record id %d", id)
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return false, err
	}
	if ok, err := s.hasSlotLocked(id); err != nil || !ok {
		return false, err
	}

	terminal, _, err := s.resolveLocked(id, false)
	if err != nil {
		return false, err
	}
	return terminal.length != markerDeleted, nil
}

// DeleteRecord marks the record id as deleted and scrubs its payload.  Its
// space is not reused.  Deleting a record that is already deleted, or was
// never written, is ErrNotFound.
func (s *Storage) DeleteRecord(id RecordID) error {
	if id <= NullID {
		return base.InvalidArgumentf("blob: invalid record id %d", id)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	if int64(id)*slotAlignment < fileHeaderSize {
		return base.InvalidArgumentf("blob: record id %d is reserved", id)
	}
	if !s.isAllocatedLocked(id) {
		return base.NotFoundf("blob: record %d was never written", id)
	}

	terminal, _, err := s.resolveLocked(id, true)
	if err != nil {
		return err
	}
	if terminal.length == markerDeleted {
		return base.NotFoundf("blob: record %d was already deleted", id)
	}

	zero.Bytes(terminal.payload)
	setSlotLength(terminal.header, markerDeleted)
	s.h.deleted++
	return s.persistHeaderLocked()
}

// StorageVersion returns the on-disk format version of the storage.
func (s *Storage) StorageVersion() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return int(s.h.formatVersion)
}

// DataFormatVersion returns the caller-owned format version stored in the
// header.
func (s *Storage) DataFormatVersion() int32 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.h.dataFormatVersion
}

// SetDataFormatVersion persists a caller-owned format version in the header.
func (s *Storage) SetDataFormatVersion(v int32) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	s.h.dataFormatVersion = v
	return s.persistHeaderLocked()
}

// WasClosedProperly reports whether the previous user of the file closed
// it with Close.  New storages report true.
func (s *Storage) WasClosedProperly() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.wasClosedProperly
}

// Flush makes all writes so far durable.
func (s *Storage) Flush() error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}
	return s.pf.Flush()
}

// Close marks the file as cleanly closed, flushes it and releases its
// mappings and lock.  Every later call fails with ErrClosed, except Close,
// which is a no-op.
func (s *Storage) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.h.status = statusClosedCleanly
	err := s.persistHeaderLocked()
	if closeErr := s.pf.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.logger.Debug("blob: closed storage", "path", s.pf.Path())
	return err
}
