// Copyright 2024 The blob Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package blob

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationStrategies(t *testing.T) {
	exact := ExactOrCallerDecides{}
	assert.Equal(t, 0, exact.CapacityFor(0))
	assert.Equal(t, 100, exact.CapacityFor(100))

	fixed := ExactOrCallerDecides{Capacity: 256}
	assert.Equal(t, 256, fixed.CapacityFor(10))
	assert.Equal(t, 300, fixed.CapacityFor(300))

	pct := LengthPlusPercentPlusMinimum{Percent: 30, Minimum: 8}
	assert.Equal(t, 8, pct.CapacityFor(0))
	assert.Equal(t, 138, pct.CapacityFor(100))
}

type negativeStrategy struct{}

func (negativeStrategy) CapacityFor(int) int { return -100 }

func TestSlotCapacity(t *testing.T) {
	const maxPayload = 4096 - slotHeaderSize
	for _, testcase := range []struct {
		strategy AllocationStrategy
		length   int
		expected int
	}{
		{ExactOrCallerDecides{}, 0, 8},
		{ExactOrCallerDecides{}, 3, 8},
		{ExactOrCallerDecides{}, 9, 16},
		{ExactOrCallerDecides{Capacity: 1 << 20}, 9, maxPayload},
		{LengthPlusPercentPlusMinimum{Percent: 30, Minimum: 8}, 3, 16},
		{LengthPlusPercentPlusMinimum{Percent: 30, Minimum: 8}, 4000, maxPayload},
		{LengthPlusPercentPlusMinimum{Percent: 100}, 100, 200},
		{negativeStrategy{}, 50, 56},
	} {
		capacity := slotCapacity(testcase.strategy, testcase.length, maxPayload)
		assert.Equal(t, testcase.expected, capacity, "%#v(%d)", testcase.strategy, testcase.length)
		assert.GreaterOrEqual(t, capacity, testcase.length)
		assert.Zero(t, (slotHeaderSize+capacity)%slotAlignment)
	}
}

func TestAllocationStrategy_ControlsRelocation(t *testing.T) {
	countRelocations := func(strategy AllocationStrategy) int {
		s := openTestStorage(t, filepath.Join(t.TempDir(), "test.blob"), WithAllocationStrategy(strategy))
		id, err := s.Write(NullID, []byte("x"))
		require.NoError(t, err)
		for n := 2; n <= 1000; n++ {
			id, err = s.Write(id, bytes.Repeat([]byte("x"), n))
			require.NoError(t, err)
		}
		stats, err := s.Stats()
		require.NoError(t, err)
		return stats.Relocated
	}

	exact := countRelocations(ExactOrCallerDecides{})
	roomy := countRelocations(LengthPlusPercentPlusMinimum{Percent: 100, Minimum: 64})
	fixed := countRelocations(ExactOrCallerDecides{Capacity: 1024})

	assert.Greater(t, exact, roomy)
	assert.Equal(t, 0, fixed)
}

func TestAllocationStrategy_FormatIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.blob")
	s := openTestStorage(t, path, WithAllocationStrategy(ExactOrCallerDecides{}))
	id, err := s.Write(NullID, []byte("written exactly"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openTestStorage(t, path, WithAllocationStrategy(LengthPlusPercentPlusMinimum{Percent: 50, Minimum: 16}))
	got, err := s.ReadBytes(id)
	require.NoError(t, err)
	require.Equal(t, "written exactly", string(got))
}
