// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"encoding/binary"

	"github.com/bpowers/blob/internal/base"
)

// StorageFormatVersion is the on-disk layout version written by this
// package.
const StorageFormatVersion = 1

const (
	magicStorageHeader = 0xC0FFEE5B
	fileHeaderSize     = 64

	headerMagicOff         = 0
	headerFormatVersionOff = 4
	headerPageSizeOff      = 8
	headerDataVersionOff   = 12
	headerNextSlotOff      = 16
	headerAllocatedOff     = 24
	headerRelocatedOff     = 28
	headerDeletedOff       = 32
	headerStatusOff        = 36

	statusOpen          = 1
	statusClosedCleanly = 2
)

type storageHeader struct {
	magic             uint32
	formatVersion     uint32
	pageSize          uint32
	dataFormatVersion int32
	nextSlot          uint64
	allocated         uint32
	relocated         uint32
	deleted           uint32
	status            uint32
}

func newStorageHeader(pageSize int) storageHeader {
	return storageHeader{
		magic:         magicStorageHeader,
		formatVersion: StorageFormatVersion,
		pageSize:      uint32(pageSize),
		nextSlot:      fileHeaderSize,
		status:        statusOpen,
	}
}

func (h *storageHeader) MarshalTo(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return base.InvalidArgumentf("blob: header buffer too short: %d < %d", len(headerBytes), fileHeaderSize)
	}
	headerBytes = headerBytes[:fileHeaderSize]

	binary.LittleEndian.PutUint32(headerBytes[headerMagicOff:], h.magic)
	binary.LittleEndian.PutUint32(headerBytes[headerFormatVersionOff:], h.formatVersion)
	binary.LittleEndian.PutUint32(headerBytes[headerPageSizeOff:], h.pageSize)
	binary.LittleEndian.PutUint32(headerBytes[headerDataVersionOff:], uint32(h.dataFormatVersion))
	binary.LittleEndian.PutUint64(headerBytes[headerNextSlotOff:], h.nextSlot)
	binary.LittleEndian.PutUint32(headerBytes[headerAllocatedOff:], h.allocated)
	binary.LittleEndian.PutUint32(headerBytes[headerRelocatedOff:], h.relocated)
	binary.LittleEndian.PutUint32(headerBytes[headerDeletedOff:], h.deleted)
	binary.LittleEndian.PutUint32(headerBytes[headerStatusOff:], h.status)

	return nil
}

func (h *storageHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return base.CorruptionErrorf("blob: header too short: %d < %d", len(headerBytes), fileHeaderSize)
	}
	headerBytes = headerBytes[:fileHeaderSize]

	h.magic = binary.LittleEndian.Uint32(headerBytes[headerMagicOff:])
	if h.magic != magicStorageHeader {
		return base.CorruptionErrorf("blob: bad magic number (%x) -- not a blob storage or corrupted", h.magic)
	}

	h.formatVersion = binary.LittleEndian.Uint32(headerBytes[headerFormatVersionOff:])
	if h.formatVersion != StorageFormatVersion {
		return base.CorruptionErrorf("blob: this version can only read v%d storages; found v%d", StorageFormatVersion, h.formatVersion)
	}

	h.pageSize = binary.LittleEndian.Uint32(headerBytes[headerPageSizeOff:])
	h.dataFormatVersion = int32(binary.LittleEndian.Uint32(headerBytes[headerDataVersionOff:]))
	h.nextSlot = binary.LittleEndian.Uint64(headerBytes[headerNextSlotOff:])
	h.allocated = binary.LittleEndian.Uint32(headerBytes[headerAllocatedOff:])
	h.relocated = binary.LittleEndian.Uint32(headerBytes[headerRelocatedOff:])
	h.deleted = binary.LittleEndian.Uint32(headerBytes[headerDeletedOff:])
	h.status = binary.LittleEndian.Uint32(headerBytes[headerStatusOff:])

	if h.nextSlot < fileHeaderSize || h.nextSlot%slotAlignment != 0 {
		return base.CorruptionErrorf("blob: bad next slot offset %d", h.nextSlot)
	}
	if h.status != statusOpen && h.status != statusClosedCleanly {
		return base.CorruptionErrorf("blob: bad file status %d", h.status)
	}
	if h.relocated+h.deleted > h.allocated {
		return base.CorruptionErrorf("blob: %d relocated + %d deleted records exceed %d allocated", h.relocated, h.deleted, h.allocated)
	}

	return nil
}
