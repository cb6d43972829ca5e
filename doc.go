// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package blob is a durable store of variable-length records in a single
// paged file, usually memory-mapped.
//
// Records are addressed by RecordID.  Each record lives in a slot whose
// capacity is chosen by an AllocationStrategy when the record is written
// for the first time.  Later writes that fit in that capacity happen in
// place; a write that doesn't fit moves the record to a new, larger slot
// and leaves a forwarding pointer behind, so every id ever handed out
// keeps resolving to the record's current contents:
//
//	s, err := blob.Open("records.blob")
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	id, err := s.Write(blob.NullID, []byte("ABC"))
//	...
//	newID, err := s.Write(id, bigger) // newID != id if the record moved
//	_, err = s.Read(id, func(payload []byte) error { ... }) // reads bigger
//
// Deleted records leave a tombstone; their space is never reused.  A
// record and its slot header must fit in one page, so MaxPayloadSize is
// the page size minus 8 bytes.
//
// The appendlog package is the non-relocating variant for data that is
// only ever appended, multimap is an int32 multimap for building
// indexes, and nameindex is a name to RecordID index built from both.
package blob
