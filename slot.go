// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"encoding/binary"
)

// A slot is an 8-byte header followed by capacity bytes of payload:
//
//	+-----------------+-----------------+------------------------+
//	| capacity uint32 | length uint32   | payload [capacity]byte |
//	+-----------------+-----------------+------------------------+
//
// length is either the payload length or one of the markers below.  A
// moved slot stores the RecordID it forwards to in payload[0:4].
const (
	slotHeaderSize  = 8
	slotAlignment   = 8
	minSlotCapacity = 4

	slotCapacityOff = 0
	slotLengthOff   = 4

	markerMoved   uint32 = 0xFFFFFFFF
	markerDeleted uint32 = 0xFFFFFFFE
	markerPadding uint32 = 0xFFFFFFFD
)

// Lengths reported by ForEach for slots that don't hold a live record.
const (
	LengthMoved   = -1
	LengthDeleted = -2
)

// IsRecordActual reports whether a length passed to a ForEach visitor
// belongs to a live record.
func IsRecordActual(length int) bool {
	return length >= 0
}

func alignUp(n int64) int64 {
	return (n + slotAlignment - 1) &^ (slotAlignment - 1)
}

func readSlotHeader(header []byte) (capacity, length uint32) {
	_ = header[slotHeaderSize-1]
	capacity = binary.LittleEndian.Uint32(header[slotCapacityOff:])
	length = binary.LittleEndian.Uint32(header[slotLengthOff:])
	return
}

func writeSlotHeader(header []byte, capacity, length uint32) {
	_ = header[slotHeaderSize-1]
	binary.LittleEndian.PutUint32(header[slotCapacityOff:], capacity)
	binary.LittleEndian.PutUint32(header[slotLengthOff:], length)
}

func setSlotLength(header []byte, length uint32) {
	binary.LittleEndian.PutUint32(header[slotLengthOff:], length)
}

func forwardingTarget(payload []byte) RecordID {
	return RecordID(int32(binary.LittleEndian.Uint32(payload[:4])))
}

func putForwardingTarget(payload []byte, target RecordID) {
	binary.LittleEndian.PutUint32(payload[:4], uint32(target))
}

// visibleLength maps an on-disk length to what ForEach reports.
func visibleLength(length uint32) int {
	switch length {
	case markerMoved:
		return LengthMoved
	case markerDeleted:
		return LengthDeleted
	default:
		return int(length)
	}
}
