// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendlog

import (
	"github.com/bpowers/blob/internal/zero"
)

// IterItem is a single record produced by an Iter.  Payload aliases the
// log's pages and is only valid until the log is closed.
type IterItem struct {
	ID      RecordID
	Payload []byte
}

// Iter walks the records of a log in append order.  Records appended
// while iterating are visited too.
type Iter struct {
	l   *Log
	off int64
	err error
}

// Iter returns an iterator positioned before the first record.
func (l *Log) Iter() *Iter {
	return &Iter{l: l, off: fileHeaderSize}
}

// Next returns the next record, or false at the end of the log or on
// error; check Err afterwards.
func (it *Iter) Next() (IterItem, bool) {
	if it.err != nil {
		return IterItem{}, false
	}

	l := it.l
	l.lock.RLock()
	defer l.lock.RUnlock()
	if err := l.checkOpenLocked(); err != nil {
		it.err = err
		return IterItem{}, false
	}

	for it.off < int64(l.h.writePointer) {
		pageIdx, inPage := it.off/l.pageSize, it.off%l.pageSize
		page, err := l.pf.Page(pageIdx)
		if err != nil {
			it.err = err
			return IterItem{}, false
		}
		if zero.IsZero(page[inPage : inPage+recordHeaderSize]) {
			it.off = (pageIdx + 1) * l.pageSize
			continue
		}

		id := RecordID(it.off / recordAlignment)
		payload, err := l.payloadLocked(id)
		if err != nil {
			it.err = err
			return IterItem{}, false
		}
		it.off += alignUp(recordHeaderSize + int64(len(payload)))
		return IterItem{ID: id, Payload: payload}, true
	}

	return IterItem{}, false
}

// Err returns the error that stopped iteration, if any.
func (it *Iter) Err() error {
	return it.err
}

// ForEach calls fn for every record in append order until fn returns false.
func (l *Log) ForEach(fn func(id RecordID, payload []byte) bool) error {
	it := l.Iter()
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		if !fn(item.ID, item.Payload) {
			return nil
		}
	}
	return it.Err()
}
