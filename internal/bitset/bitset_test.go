// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitset(t *testing.T) {
	b := New(128)

	require.Equal(t, 2, len(b.bits))

	// should do nothing
	b.Set(132)
	b.Set(-1)

	zero := []uint64{0, 0}
	require.Equal(t, zero, b.bits)
	require.Equal(t, int64(0), b.Count())

	require.False(t, b.IsSet(7))
	b.Set(7)
	require.True(t, b.IsSet(7))
	b.Set(8)
	require.True(t, b.IsSet(8))
	// setting a bit twice counts once
	b.Set(8)
	require.Equal(t, int64(2), b.Count())

	for i := int64(0); i < 128; i++ {
		b.Set(i)
	}

	full := []uint64{^uint64(0), ^uint64(0)}
	require.Equal(t, full, b.bits)
	require.Equal(t, int64(128), b.Count())

	require.False(t, b.IsSet(137))
	require.False(t, b.IsSet(-3))
}

func TestBitset_Empty(t *testing.T) {
	b := New(-5)
	require.Empty(t, b.bits)
	b.Set(0)
	require.False(t, b.IsSet(0))
}
