// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"github.com/bpowers/blob/internal/base"
	"github.com/bpowers/blob/internal/bitset"
)

// Visitor is called by ForEach for every slot.  length is the payload
// length of live records, or LengthMoved or LengthDeleted; payload is nil
// for slots that aren't live.  Returning false stops the scan.
type Visitor func(id RecordID, capacity, length int, payload []byte) bool

// ForEach visits every slot in storage order, including relocated and
// deleted ones; use IsRecordActual to skip them.  payload aliases storage
// pages and is only valid during the call.  The visitor must not call
// back into the storage.
func (s *Storage) ForEach(visit Visitor) error {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return err
	}

	return s.scanLocked(func(sl slot) (bool, error) {
		length := visibleLength(sl.length)
		var payload []byte
		if IsRecordActual(length) {
			payload = sl.payload[:sl.length]
		}
		return visit(sl.id, int(sl.capacity), length, payload), nil
	})
}

// scanLocked walks the slots between the header and the next slot
// offset, skipping page padding.
func (s *Storage) scanLocked(fn func(sl slot) (bool, error)) error {
	off := int64(fileHeaderSize)
	end := int64(s.h.nextSlot)
	for off < end {
		pageIdx, inPage := off/s.pageSize, off%s.pageSize
		page, err := s.pf.Page(pageIdx)
		if err != nil {
			return err
		}
		capacity, length := readSlotHeader(page[inPage : inPage+slotHeaderSize])
		next := off + slotHeaderSize + int64(capacity)
		if inPage+slotHeaderSize+int64(capacity) > s.pageSize || next%slotAlignment != 0 {
			return base.CorruptionErrorf("blob: slot at offset %d has impossible capacity %d", off, capacity)
		}
		if length == markerPadding {
			off = next
			continue
		}
		if capacity < minSlotCapacity || (length > capacity && length != markerMoved && length != markerDeleted) {
			return base.CorruptionErrorf("blob: slot at offset %d has bad header (capacity %d, length %d)", off, capacity, length)
		}

		start := inPage + slotHeaderSize
		sl := slot{
			id:       RecordID(off / slotAlignment),
			header:   page[inPage:start],
			payload:  page[start : start+int64(capacity)],
			capacity: capacity,
			length:   length,
		}
		if more, err := fn(sl); err != nil || !more {
			return err
		}
		off = next
	}
	return nil
}

// Stats summarizes the contents of a storage.
type Stats struct {
	PageSize          int
	FileSize          int64
	NextSlot          int64
	Allocated         int
	Relocated         int
	Deleted           int
	LiveRecords       int
	FormatVersion     int
	DataFormatVersion int32
}

// Stats returns the storage's counters.  They are kept in the header, so
// this doesn't scan the file.
func (s *Storage) Stats() (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return Stats{}, err
	}
	return Stats{
		PageSize:          int(s.pageSize),
		FileSize:          s.pf.Size(),
		NextSlot:          int64(s.h.nextSlot),
		Allocated:         int(s.h.allocated),
		Relocated:         int(s.h.relocated),
		Deleted:           int(s.h.deleted),
		LiveRecords:       int(s.h.allocated - s.h.relocated - s.h.deleted),
		FormatVersion:     int(s.h.formatVersion),
		DataFormatVersion: s.h.dataFormatVersion,
	}, nil
}

// CheckReport is the result of a successful Check.  LiveBytes is the sum
// of live payload lengths and CapacityBytes the sum of all slot
// capacities; the difference is headroom and dead space.
type CheckReport struct {
	Live          int
	Moved         int
	Deleted       int
	PaddingBytes  int64
	LiveBytes     int64
	CapacityBytes int64
}

// Check scans the whole storage and verifies its invariants: every slot
// header is well formed, every forwarding pointer names the start of a
// slot and every chain ends at a live or deleted record, and the header
// counters match the slots on disk.  Violations are ErrCorruption.
func (s *Storage) Check() (CheckReport, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if err := s.checkOpenLocked(); err != nil {
		return CheckReport{}, err
	}

	var report CheckReport
	starts := bitset.New(int64(s.h.nextSlot) / slotAlignment)
	var moved []RecordID
	prevEnd := int64(fileHeaderSize)
	err := s.scanLocked(func(sl slot) (bool, error) {
		off := int64(sl.id) * slotAlignment
		report.PaddingBytes += off - prevEnd
		prevEnd = off + slotHeaderSize + int64(sl.capacity)

		starts.Set(int64(sl.id))
		report.CapacityBytes += int64(sl.capacity)
		switch sl.length {
		case markerMoved:
			report.Moved++
			moved = append(moved, sl.id)
		case markerDeleted:
			report.Deleted++
		default:
			report.Live++
			report.LiveBytes += int64(sl.length)
		}
		return true, nil
	})
	if err != nil {
		return CheckReport{}, err
	}
	report.PaddingBytes += int64(s.h.nextSlot) - prevEnd

	for _, id := range moved {
		sl, err := s.slotLocked(id, false)
		if err != nil {
			return CheckReport{}, err
		}
		target := forwardingTarget(sl.payload)
		if !s.isAllocatedLocked(target) || !starts.IsSet(int64(target)) {
			return CheckReport{}, base.CorruptionErrorf("blob: record %d forwards to %d, which is not a record", id, target)
		}
		if _, _, err := s.resolveLocked(id, false); err != nil {
			return CheckReport{}, err
		}
	}

	total := report.Live + report.Moved + report.Deleted
	if n := starts.Count(); n != int64(total) {
		return CheckReport{}, base.CorruptionErrorf("blob: %d slot starts for %d slots", n, total)
	}
	if total != int(s.h.allocated) || report.Moved != int(s.h.relocated) || report.Deleted != int(s.h.deleted) {
		return CheckReport{}, base.CorruptionErrorf(
			"blob: header counters (allocated %d, relocated %d, deleted %d) disagree with slots (%d, %d, %d)",
			s.h.allocated, s.h.relocated, s.h.deleted, total, report.Moved, report.Deleted)
	}

	return report, nil
}
