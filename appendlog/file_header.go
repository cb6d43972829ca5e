// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendlog

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/bpowers/blob/internal/base"
	"github.com/bpowers/blob/internal/pagefile"
)

const (
	magicLogHeader    = 0xC0FFEE1A
	fileFormatVersion = 1
	fileHeaderSize    = 64

	headerMagicOff         = 0
	headerFormatVersionOff = 4
	headerPageSizeOff      = 8
	headerDataVersionOff   = 12
	headerWritePointerOff  = 16
	headerRecordCountOff   = 24
)

type fileHeader struct {
	magic             uint32
	formatVersion     uint32
	pageSize          uint32
	dataFormatVersion int32
	writePointer      uint64
	recordCount       uint64
}

func newFileHeader(pageSize int) fileHeader {
	return fileHeader{
		magic:         magicLogHeader,
		formatVersion: fileFormatVersion,
		pageSize:      uint32(pageSize),
		writePointer:  fileHeaderSize,
	}
}

func (h *fileHeader) MarshalTo(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return base.InvalidArgumentf("appendlog: header buffer too short: %d < %d", len(headerBytes), fileHeaderSize)
	}
	headerBytes = headerBytes[:fileHeaderSize]

	binary.LittleEndian.PutUint32(headerBytes[headerMagicOff:], h.magic)
	binary.LittleEndian.PutUint32(headerBytes[headerFormatVersionOff:], h.formatVersion)
	binary.LittleEndian.PutUint32(headerBytes[headerPageSizeOff:], h.pageSize)
	binary.LittleEndian.PutUint32(headerBytes[headerDataVersionOff:], uint32(h.dataFormatVersion))
	binary.LittleEndian.PutUint64(headerBytes[headerWritePointerOff:], h.writePointer)
	binary.LittleEndian.PutUint64(headerBytes[headerRecordCountOff:], h.recordCount)

	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return base.CorruptionErrorf("appendlog: header too short: %d < %d", len(headerBytes), fileHeaderSize)
	}
	headerBytes = headerBytes[:fileHeaderSize]

	h.magic = binary.LittleEndian.Uint32(headerBytes[headerMagicOff:])
	if h.magic != magicLogHeader {
		return base.CorruptionErrorf("appendlog: bad magic number (%x) -- not an append log or corrupted", h.magic)
	}

	h.formatVersion = binary.LittleEndian.Uint32(headerBytes[headerFormatVersionOff:])
	if h.formatVersion != fileFormatVersion {
		return base.CorruptionErrorf("appendlog: this version can only read v%d logs; found v%d", fileFormatVersion, h.formatVersion)
	}

	h.pageSize = binary.LittleEndian.Uint32(headerBytes[headerPageSizeOff:])
	h.dataFormatVersion = int32(binary.LittleEndian.Uint32(headerBytes[headerDataVersionOff:]))
	h.writePointer = binary.LittleEndian.Uint64(headerBytes[headerWritePointerOff:])
	h.recordCount = binary.LittleEndian.Uint64(headerBytes[headerRecordCountOff:])

	if h.writePointer < fileHeaderSize || h.writePointer%recordAlignment != 0 {
		return base.CorruptionErrorf("appendlog: bad write pointer %d", h.writePointer)
	}

	return nil
}

// peekHeader reads the header of an existing log so it can be opened with
// the page size it was created with.  ok is false for missing or empty files.
func peekHeader(path string) (h fileHeader, ok bool, err error) {
	prefix, err := pagefile.ReadPrefix(path, fileHeaderSize)
	if err != nil {
		return fileHeader{}, false, err
	}
	if len(prefix) == 0 {
		return fileHeader{}, false, nil
	}
	if err := h.UnmarshalBytes(prefix); err != nil {
		return fileHeader{}, false, errors.Wrapf(err, "appendlog: %s", path)
	}
	return h, true, nil
}
