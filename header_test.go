// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageHeader_RoundTrip(t *testing.T) {
	origH := newStorageHeader(8192)
	require.Equal(t, uint32(magicStorageHeader), origH.magic)
	require.Equal(t, uint32(StorageFormatVersion), origH.formatVersion)
	origH.dataFormatVersion = -3
	origH.nextSlot = 4096
	origH.allocated = 10
	origH.relocated = 4
	origH.deleted = 2
	origH.status = statusClosedCleanly

	// this should be an error
	err := origH.MarshalTo(nil)
	assert.Error(t, err)

	var newH storageHeader
	headerBytes := make([]byte, fileHeaderSize)
	// this should be an error -- missing magic number
	err = newH.UnmarshalBytes(headerBytes)
	assert.True(t, errors.Is(err, ErrCorruption))

	require.NoError(t, origH.MarshalTo(headerBytes))

	// this should be an error
	err = newH.UnmarshalBytes(nil)
	assert.Error(t, err)

	require.NoError(t, newH.UnmarshalBytes(headerBytes))
	assert.Equal(t, origH, newH)

	// reserved bytes stay zero
	for _, b := range headerBytes[40:] {
		require.Zero(t, b)
	}
}

func TestStorageHeader_Rejects(t *testing.T) {
	for name, mutate := range map[string]func(h *storageHeader){
		"version":   func(h *storageHeader) { h.formatVersion = 666 },
		"nextSlot":  func(h *storageHeader) { h.nextSlot = 12 },
		"unaligned": func(h *storageHeader) { h.nextSlot = 4097 },
		"status":    func(h *storageHeader) { h.status = 7 },
		"counters":  func(h *storageHeader) { h.allocated, h.deleted = 1, 2 },
	} {
		t.Run(name, func(t *testing.T) {
			h := newStorageHeader(4096)
			mutate(&h)
			buf := make([]byte, fileHeaderSize)
			require.NoError(t, h.MarshalTo(buf))
			var got storageHeader
			require.True(t, errors.Is(got.UnmarshalBytes(buf), ErrCorruption))
		})
	}
}
